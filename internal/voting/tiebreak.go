package voting

import (
	"context"
	"math/rand"

	"github.com/neurastack/ensemble/internal/role"
)

// Tie-break strategy names, in cascade order.
const (
	TieHistorical   = "historical_performance"
	TieDiversity    = "diversity_weighted"
	TieBrier        = "brier_calibrated"
	TieResponseTime = "response_time_adjusted"
	TieSemantic     = "semantic_confidence"
	TieMetaVoting   = "meta_voting"
	TieRandom       = "random_selection"
	TieEmergency    = "emergency_fallback"
)

// minStrategyConfidence is the cutoff under which the cascade moves on to
// the next strategy.
const minStrategyConfidence = 0.1

// TieBreakResult records the cascade outcome and every strategy attempted.
type TieBreakResult struct {
	Used       bool            `json:"used"`
	Strategy   string          `json:"strategy"`
	Winner     string          `json:"winner"`
	Confidence float64         `json:"confidence"`
	Attempts   []string        `json:"attempts"`
	Meta       *MetaVoteResult `json:"-"`
}

// tieState carries the vote intermediates into the cascade.
type tieState struct {
	engine      *Engine
	prompt      string
	results     []role.Result
	traditional map[string]float64
	diversity   map[string]float64
	historical  map[string]float64
	semantic    map[string]float64
	hybrid      map[string]float64
	tradWinner  string
	candidates  []string
}

func (st *tieState) candidateResults() []role.Result {
	out := make([]role.Result, 0, len(st.candidates))
	for _, r := range st.results {
		for _, c := range st.candidates {
			if r.Role == c {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// runCascade tries each strategy in order and stops at the first that
// returns a candidate with confidence at or above the cutoff. The emergency
// fallback always resolves.
func (e *Engine) runCascade(ctx context.Context, st *tieState) *TieBreakResult {
	res := &TieBreakResult{Used: true}

	type strategy struct {
		name string
		run  func() (string, float64)
	}
	cascade := []strategy{
		{TieHistorical, st.byFactor(st.historical)},
		{TieDiversity, st.byFactor(st.diversity)},
		{TieBrier, st.byBrier},
		{TieResponseTime, st.byResponseTime},
		{TieSemantic, st.byFactor(st.semantic)},
		{TieMetaVoting, func() (string, float64) { return st.byMetaVoting(ctx, res) }},
		{TieRandom, st.byRandom},
	}

	for _, s := range cascade {
		res.Attempts = append(res.Attempts, s.name)
		winner, confidence := s.run()
		if winner != "" && confidence >= minStrategyConfidence {
			res.Strategy = s.name
			res.Winner = winner
			res.Confidence = confidence
			return res
		}
	}

	// Emergency fallback: the original traditional winner, confidence
	// halved.
	res.Attempts = append(res.Attempts, TieEmergency)
	res.Strategy = TieEmergency
	res.Winner = st.tradWinner
	res.Confidence = st.hybrid[st.tradWinner] / 2
	return res
}

// byFactor picks the tied candidate with the highest factor; confidence is
// the gap to the runner-up, so a flat factor table defers to the next
// strategy.
func (st *tieState) byFactor(factors map[string]float64) func() (string, float64) {
	return func() (string, float64) {
		subset := make(map[string]float64, len(st.candidates))
		for _, c := range st.candidates {
			subset[c] = factors[c]
		}
		winner, _, topF, secondF := topTwo(subset)
		if winner == "" {
			return "", 0
		}
		return winner, topF - secondF
	}
}

func (st *tieState) byBrier() (string, float64) {
	if st.engine.calibration == nil {
		return "", 0
	}
	reliability := make(map[string]float64, len(st.candidates))
	for _, r := range st.candidateResults() {
		reliability[r.Role] = st.engine.calibration(r.Model)
	}
	winner, _, topF, secondF := topTwo(reliability)
	if winner == "" {
		return "", 0
	}
	return winner, topF - secondF
}

// byResponseTime prefers the fastest tied candidate; confidence is the
// relative latency advantage over the runner-up.
func (st *tieState) byResponseTime() (string, float64) {
	candidates := st.candidateResults()
	if len(candidates) == 0 {
		return "", 0
	}
	best := candidates[0]
	var second *role.Result
	for i := 1; i < len(candidates); i++ {
		c := candidates[i]
		if c.LatencyMs < best.LatencyMs {
			prev := best
			best = c
			second = &prev
		} else if second == nil || c.LatencyMs < second.LatencyMs {
			second = &c
		}
	}
	if second == nil || second.LatencyMs == 0 {
		return best.Role, 0
	}
	advantage := float64(second.LatencyMs-best.LatencyMs) / float64(second.LatencyMs)
	return best.Role, advantage
}

func (st *tieState) byMetaVoting(ctx context.Context, res *TieBreakResult) (string, float64) {
	if st.engine.meta == nil {
		return "", 0
	}
	meta, err := st.engine.meta.Vote(ctx, st.prompt, st.candidateResults())
	if err != nil {
		return "", 0
	}
	res.Meta = meta
	return meta.Winner, meta.Confidence
}

// byRandom picks uniformly among the tied candidates.
func (st *tieState) byRandom() (string, float64) {
	if len(st.candidates) == 0 {
		return "", 0
	}
	var pick int
	if st.engine.rng != nil {
		pick = st.engine.rng.Intn(len(st.candidates))
	} else {
		pick = rand.Intn(len(st.candidates))
	}
	return st.candidates[pick], 1 / float64(len(st.candidates))
}
