// Package retry provides bounded retry with exponential backoff for model
// calls. Whether a failure is retried is a pattern match on its error kind.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/neurastack/ensemble/internal/errors"
)

// Policy bounds one retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt; subsequent
	// delays double up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Classifier decides retryability. Defaults to the error-kind
	// taxonomy when nil.
	Classifier func(err error) bool
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p Policy) retryable(err error) bool {
	if p.Classifier != nil {
		return p.Classifier(err)
	}
	return errors.Retryable(err)
}

// Executor runs functions under a retry policy.
type Executor struct {
	policy Policy
}

// NewExecutor creates an executor with the given policy, filling unset
// fields from the defaults.
func NewExecutor(policy Policy) *Executor {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	return &Executor{policy: policy}
}

// Execute runs fn until it succeeds, fails with a non-retryable error,
// exhausts the attempt budget, or ctx is cancelled. Cancellation aborts
// immediately and surfaces as KindCancelled; it never counts as a retryable
// failure.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.ExecuteWith(ctx, nil, fn)
}

// ExecuteWith is Execute with a per-call classifier overriding the policy's.
func (e *Executor) ExecuteWith(ctx context.Context, classifier func(error) bool, fn func(ctx context.Context) error) error {
	p := e.policy
	if classifier != nil {
		p.Classifier = classifier
	}

	backoff := retry.NewExponential(p.BaseDelay)
	backoff = retry.WithCappedDuration(p.MaxDelay, backoff)
	// ±10% of the base step, spread so simultaneous workers do not herd.
	backoff = retry.WithJitter(p.BaseDelay/10, backoff)
	backoff = retry.WithMaxRetries(uint64(p.MaxAttempts-1), backoff)

	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.KindCancelled, "retry aborted", err)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.retryable(err) && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	// retry.Do returns ctx.Err() when cancelled mid-backoff; map it back
	// into the taxonomy, preferring the last real failure for context.
	if ctx.Err() != nil && errors.KindOf(err) == errors.KindProgrammerBug {
		return errors.Wrap(errors.KindCancelled, "retry aborted", ctx.Err())
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
