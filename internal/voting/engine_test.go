package voting

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurastack/ensemble/internal/role"
)

func fulfilled(name, content string, confidence float64, latencyMs int64) role.Result {
	return role.Result{
		Role:       name,
		Model:      name,
		Status:     role.Fulfilled,
		Content:    content,
		LatencyMs:  latencyMs,
		Confidence: confidence,
	}
}

func rejected(name string) role.Result {
	return role.Result{Role: name, Model: name, Status: role.Rejected}
}

func TestEmptySetProducesNoWinner(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})
	res := e.Vote(context.Background(), Input{
		Prompt:  "anything",
		Results: []role.Result{rejected("a"), rejected("b")},
	})
	assert.Empty(t, res.Winner)
	assert.Equal(t, ConsensusNone, res.Consensus)
	assert.Empty(t, res.Weights)
}

func TestHybridWeightsNormalized(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})
	res := e.Vote(context.Background(), Input{
		Prompt: "Define entropy.",
		Results: []role.Result{
			fulfilled("a", strings.Repeat("entropy is disorder ", 20), 0.8, 2000),
			fulfilled("b", strings.Repeat("entropy measures randomness ", 20), 0.75, 2000),
			fulfilled("c", strings.Repeat("a thermodynamic property of state ", 12), 0.7, 2000),
			rejected("d"),
		},
	})

	sum := 0.0
	best := ""
	bestW := -1.0
	for r, w := range res.Weights {
		sum += w.Hybrid
		if w.Hybrid > bestW {
			best, bestW = r, w.Hybrid
		}
	}
	assert.Less(t, math.Abs(sum-1), 1e-6)
	require.NotEmpty(t, res.Winner)
	// Winner is the hybrid argmax unless a tie-break overrode it.
	if res.TieBreaking == nil {
		assert.Equal(t, best, res.Winner)
	}
	// Rejected roles never carry weights.
	_, ok := res.Weights["d"]
	assert.False(t, ok)
}

func TestSingleSuccessWinsOutright(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})
	res := e.Vote(context.Background(), Input{
		Prompt:  "Define entropy.",
		Results: []role.Result{fulfilled("only", strings.Repeat("entropy rises ", 30), 0.9, 1500), rejected("x")},
	})
	assert.Equal(t, "only", res.Winner)
	assert.InDelta(t, 1.0, res.Weights["only"].Hybrid, 1e-9)
}

func TestTraditionalWeightAdjustments(t *testing.T) {
	t.Parallel()

	results := []role.Result{
		fulfilled("fast", strings.Repeat("good answer text here ", 10), 0.7, 1000),
		fulfilled("slow", strings.Repeat("good answer text here ", 10), 0.7, 20000),
	}
	weights := traditionalWeights(results)
	assert.Greater(t, weights["fast"], weights["slow"])
	assert.InDelta(t, 1.0, weights["fast"]+weights["slow"], 1e-9)

	short := []role.Result{
		fulfilled("tiny", "ok", 0.7, 2000),
		fulfilled("solid", strings.Repeat("substantial reply ", 10), 0.7, 2000),
	}
	w2 := traditionalWeights(short)
	assert.Greater(t, w2["solid"], w2["tiny"])
}

func TestDiversityRewardsOutlier(t *testing.T) {
	t.Parallel()

	results := []role.Result{
		fulfilled("same1", "the cat sat on the mat", 0.7, 2000),
		fulfilled("same2", "the cat sat on the mat", 0.7, 2000),
		fulfilled("outlier", "quantum flux capacitors invert polarity", 0.7, 2000),
	}
	weights := diversityWeights(results)
	assert.Greater(t, weights["outlier"], weights["same1"])
	assert.InDelta(t, weights["same1"], weights["same2"], 1e-9)
}

func TestConsensusLabels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		top, margin float64
		want        Consensus
	}{
		{0.75, 0.35, ConsensusVeryStrong},
		{0.65, 0.25, ConsensusStrong},
		{0.5, 0.1, ConsensusModerate},
		{0.4, 0.05, ConsensusWeak},
		{0.34, 0.01, ConsensusVeryWeak},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, consensusLabel(c.top, c.margin), "top=%v margin=%v", c.top, c.margin)
	}
}

func TestTieBreakOnNearIdenticalResponses(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("entropy quantifies disorder in a system ", 10)
	e := NewEngine(Config{}, withRand(rand.New(rand.NewSource(1))))
	res := e.Vote(context.Background(), Input{
		Prompt: "Define entropy.",
		Results: []role.Result{
			fulfilled("a", content, 0.8, 2000),
			fulfilled("b", content, 0.8, 2000),
		},
	})

	require.NotNil(t, res.TieBreaking)
	assert.True(t, res.TieBreaking.Used)
	assert.Contains(t, []string{
		TieHistorical, TieDiversity, TieBrier, TieResponseTime,
		TieSemantic, TieMetaVoting, TieRandom, TieEmergency,
	}, res.TieBreaking.Strategy)
	assert.Contains(t, []string{"a", "b"}, res.Winner)
}

func TestTieBreakHistoricalWinsFirst(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("identical answer text for everyone ", 10)
	e := NewEngine(Config{}, WithHistory(func(model string) float64 {
		if model == "b" {
			return 1.4
		}
		return 1.0
	}))
	res := e.Vote(context.Background(), Input{
		Prompt: "Define entropy.",
		Results: []role.Result{
			fulfilled("a", content, 0.8, 2000),
			fulfilled("b", content, 0.8, 2000),
			fulfilled("c", content, 0.8, 2000),
		},
	})

	// Three equal answers keep consensus weak (top hybrid weight about
	// 0.405), so the cascade runs; the historical factor separates b before
	// any later strategy.
	require.NotNil(t, res.TieBreaking)
	if res.TieBreaking != nil && res.TieBreaking.Used {
		assert.Equal(t, TieHistorical, res.TieBreaking.Strategy)
		assert.Equal(t, "b", res.Winner)
	}
}

func TestTieBreakResponseTime(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("identical answer text for everyone ", 10)
	e := NewEngine(Config{})
	res := e.Vote(context.Background(), Input{
		Prompt: "Define entropy.",
		Results: []role.Result{
			fulfilled("slowpoke", content, 0.8, 2500),
			fulfilled("speedy", content, 0.8, 1500),
		},
	})

	require.NotNil(t, res.TieBreaking)
	// With flat history and identical content, latency is the first
	// strategy with signal.
	assert.Equal(t, TieResponseTime, res.TieBreaking.Strategy)
	assert.Equal(t, "speedy", res.Winner)
}

func TestEmergencyFallbackHalvesConfidence(t *testing.T) {
	t.Parallel()

	st := &tieState{
		engine:     NewEngine(Config{}),
		tradWinner: "a",
		hybrid:     map[string]float64{"a": 0.5, "b": 0.5},
		candidates: nil, // nothing for any strategy to discriminate
		results:    nil,
	}
	res := st.engine.runCascade(context.Background(), st)
	assert.Equal(t, TieEmergency, res.Strategy)
	assert.Equal(t, "a", res.Winner)
	assert.InDelta(t, 0.25, res.Confidence, 1e-9)
	assert.Contains(t, res.Attempts, TieRandom)
}

func TestAbstentionOnVeryWeakVote(t *testing.T) {
	t.Parallel()

	// Force a very weak outcome: abstention triggers only below the
	// confidence threshold, so check the plumbing directly.
	e := NewEngine(Config{AbstainThreshold: 0.99, MaxRequery: 2})
	res := &Result{Consensus: ConsensusVeryWeak, Confidence: 0.2}
	results := []role.Result{fulfilled("a", "x", 0.5, 100)}

	first := e.maybeAbstain("corr-1", res, results)
	require.NotNil(t, first)
	assert.True(t, first.ShouldAbstain)
	assert.Equal(t, StrategyExpandModelSet, first.Strategy)
	assert.Equal(t, 1, first.RequeryCount)

	second := e.maybeAbstain("corr-1", res, results)
	require.NotNil(t, second)
	assert.True(t, second.ShouldAbstain)

	// Budget exhausted: recommend no further requery.
	third := e.maybeAbstain("corr-1", res, results)
	require.NotNil(t, third)
	assert.False(t, third.ShouldAbstain)
}

func TestAbstentionStrategySelection(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{AbstainThreshold: 0.99})
	res := &Result{Consensus: ConsensusVeryWeak, Confidence: 0.1}

	long := strings.Repeat("detailed answer ", 30)
	threeLong := []role.Result{
		fulfilled("a", long, 0.5, 100),
		fulfilled("b", long, 0.5, 100),
		fulfilled("c", long, 0.5, 100),
	}
	abst := e.maybeAbstain("corr-long", res, threeLong)
	require.NotNil(t, abst)
	assert.Equal(t, StrategyRephrase, abst.Strategy)

	threeShort := []role.Result{
		fulfilled("a", "terse", 0.5, 100),
		fulfilled("b", "terse", 0.5, 100),
		fulfilled("c", "terse", 0.5, 100),
	}
	abst = e.maybeAbstain("corr-short", res, threeShort)
	require.NotNil(t, abst)
	assert.Equal(t, StrategyRaiseTokens, abst.Strategy)
}
