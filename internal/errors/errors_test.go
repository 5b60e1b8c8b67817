package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	retryable := []Kind{KindTimeout, KindNetwork, KindRateLimited, KindProvider5XX, KindInvalidPayload}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "kind %s", k)
	}

	fatal := []Kind{KindAuth, KindBreakerOpen, KindInvalidInput, KindQueueFull, KindRateExceeded, KindCancelled, KindProgrammerBug}
	for _, k := range fatal {
		assert.False(t, k.Retryable(), "kind %s", k)
	}
}

func TestKindCountsTowardBreaker(t *testing.T) {
	t.Parallel()

	assert.True(t, KindTimeout.CountsTowardBreaker())
	assert.True(t, KindProvider5XX.CountsTowardBreaker())
	assert.False(t, KindAuth.CountsTowardBreaker())
	assert.False(t, KindCancelled.CountsTowardBreaker())
	assert.False(t, KindBreakerOpen.CountsTowardBreaker())
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := New(KindAuth, "denied")
	assert.Equal(t, KindAuth, KindOf(err))

	wrapped := fmt.Errorf("outer: %w", Wrap(KindTimeout, "slow", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, KindOf(wrapped))

	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindCancelled, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindProgrammerBug, KindOf(fmt.Errorf("mystery")))
}

func TestErrorAnnotations(t *testing.T) {
	t.Parallel()

	base := New(KindProvider5XX, "upstream broke")
	annotated := base.WithModel("openai", "gpt-4o-mini").WithRole("gpt-4o-mini")

	require.Equal(t, "openai", annotated.Provider)
	require.Equal(t, "gpt-4o-mini", annotated.Model)
	require.Equal(t, "gpt-4o-mini", annotated.Role)
	// The original stays untouched.
	assert.Empty(t, base.Provider)

	assert.Contains(t, annotated.Error(), "gpt-4o-mini")
}

func TestRetryableHelper(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(New(KindNetwork, "reset")))
	assert.False(t, Retryable(New(KindAuth, "denied")))
	assert.False(t, Retryable(nil))
}
