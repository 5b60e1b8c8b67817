package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternWindowBounded(t *testing.T) {
	t.Parallel()

	p := &userPattern{}
	for i := range 30 {
		p.push(PatternEntry{
			PromptText: "prompt",
			PromptType: TypeGeneral,
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Millisecond),
		}, 20)
	}
	assert.Len(t, p.entries, 20)
}

func TestPatternBestMatchSameTypeOnly(t *testing.T) {
	t.Parallel()

	p := &userPattern{}
	p.push(PatternEntry{
		PromptText: "what is the entropy of a closed system",
		PromptType: TypeDefinition,
		CacheKey:   "k-def",
		CreatedAt:  time.Now(),
	}, 20)
	p.push(PatternEntry{
		PromptText: "what is the entropy of a closed box",
		PromptType: TypeReasoning,
		CacheKey:   "k-why",
		CreatedAt:  time.Now(),
	}, 20)

	match, ok := p.bestMatch("what is the entropy of a closed system today", TypeDefinition, 0.7)
	require.True(t, ok)
	assert.Equal(t, "k-def", match.CacheKey)

	// No same-type candidate above the threshold.
	_, ok = p.bestMatch("completely unrelated cooking recipe ideas", TypeDefinition, 0.7)
	assert.False(t, ok)
}

func TestPatternExpiry(t *testing.T) {
	t.Parallel()

	p := &userPattern{}
	p.push(PatternEntry{PromptText: "x", PromptType: TypeGeneral, CreatedAt: time.Now().Add(-25 * time.Hour)}, 20)
	assert.True(t, p.expired(time.Now()))

	p.push(PatternEntry{PromptText: "y", PromptType: TypeGeneral, CreatedAt: time.Now()}, 20)
	assert.False(t, p.expired(time.Now()))
}
