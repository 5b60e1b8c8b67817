package textmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorize(t *testing.T) {
	t.Parallel()

	vec := Vectorize("The quick brown fox, the quick dog!")
	assert.Equal(t, 2, vec["quick"])
	assert.Equal(t, 2, vec["the"])
	assert.Equal(t, 1, vec["fox"])
	// Tokens of length <= 2 are dropped.
	_, ok := vec["a"]
	assert.False(t, ok)
}

func TestCosine(t *testing.T) {
	t.Parallel()

	a := Vectorize("define the entropy of a system")
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-9)

	b := Vectorize("define the entropy of this system")
	assert.Greater(t, Cosine(a, b), 0.7)

	c := Vectorize("bake chocolate cookies tonight")
	assert.Less(t, Cosine(a, c), 0.2)

	assert.Zero(t, Cosine(a, map[string]int{}))
	assert.Zero(t, Cosine(nil, nil))
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, Jaccard("alpha beta gamma", "alpha beta gamma"), 1e-9)
	assert.Zero(t, Jaccard("alpha beta", "delta epsilon"))
	assert.Zero(t, Jaccard("", "anything here"))

	// Shared subset scores between 0 and 1.
	score := Jaccard("explain quantum computing", "explain quantum mechanics")
	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 1.0)
}
