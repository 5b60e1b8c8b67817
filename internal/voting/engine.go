// Package voting implements the hybrid voting engine: traditional
// confidence weighting blended with response diversity, historical
// accuracy, semantic confidence and reliability, followed by a tie-break
// cascade, optional AI meta-voting, and abstention.
package voting

import (
	"context"
	"math/rand"
	"sync"

	"github.com/neurastack/ensemble/internal/role"
)

// HistorySupplier returns a long-window accuracy factor for a model.
// 1.0 is neutral.
type HistorySupplier func(model string) float64

// CalibrationSupplier returns a Brier-calibrated reliability for a model
// in [0,1].
type CalibrationSupplier func(model string) float64

// Config tunes the engine.
type Config struct {
	// TieMargin triggers the cascade when the top-two hybrid gap is at
	// or below it.
	TieMargin float64
	// TieCluster is the width of the candidate cluster handed to the
	// cascade.
	TieCluster float64
	// MetaMaxWeightDifference triggers meta-voting when the top-two hybrid
	// gap is at or below it or consensus is weak or very weak.
	MetaMaxWeightDifference float64
	// AbstainThreshold is the confidence below which a very-weak vote
	// recommends abstention.
	AbstainThreshold float64
	// MaxRequery bounds abstention-driven re-queries per correlation ID.
	MaxRequery int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TieMargin:               0.02,
		TieCluster:              0.05,
		MetaMaxWeightDifference: 0.05,
		AbstainThreshold:        0.3,
		MaxRequery:              3,
	}
}

// Input is one vote invocation.
type Input struct {
	Prompt        string
	CorrelationID string
	Results       []role.Result
	// SemanticConfidence optionally attaches per-role scores in [0,1]
	// from an external quality model. Missing roles default to 0.5.
	SemanticConfidence map[string]float64
}

// Result is the structured outcome with every intermediate preserved.
type Result struct {
	Winner       string             `json:"winner,omitempty"`
	Confidence   float64            `json:"confidence"`
	Consensus    Consensus          `json:"consensus"`
	Weights      map[string]Weights `json:"weights"`
	FeaturesUsed []string           `json:"features_used"`
	TieBreaking  *TieBreakResult    `json:"tie_breaking,omitempty"`
	MetaVoting   *MetaVoteResult    `json:"meta_voting,omitempty"`
	Abstention   *AbstentionResult  `json:"abstention,omitempty"`
}

// AbstentionResult flags that the system should decline to answer and
// recommends a re-query strategy.
type AbstentionResult struct {
	ShouldAbstain bool   `json:"should_abstain"`
	Strategy      string `json:"strategy,omitempty"`
	RequeryCount  int    `json:"requery_count"`
}

// Abstention strategies.
const (
	StrategyRephrase       = "rephrase"
	StrategyExpandModelSet = "expand_model_set"
	StrategyRaiseTokens    = "raise_token_budget"
)

// Engine computes votes. It is safe for concurrent use.
type Engine struct {
	cfg         Config
	history     HistorySupplier
	calibration CalibrationSupplier
	meta        *MetaVoter

	mu        sync.Mutex
	requeries map[string]int
	rng       *rand.Rand
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithHistory attaches the historical-weights supplier.
func WithHistory(s HistorySupplier) Option {
	return func(e *Engine) { e.history = s }
}

// WithCalibration attaches the Brier-calibration supplier.
func WithCalibration(s CalibrationSupplier) Option {
	return func(e *Engine) { e.calibration = s }
}

// WithMetaVoter attaches the AI meta-voting judge.
func WithMetaVoter(m *MetaVoter) Option {
	return func(e *Engine) { e.meta = m }
}

// withRand fixes the random source, for tests.
func withRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// NewEngine creates an engine.
func NewEngine(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.TieMargin <= 0 {
		cfg.TieMargin = def.TieMargin
	}
	if cfg.TieCluster <= 0 {
		cfg.TieCluster = def.TieCluster
	}
	if cfg.MetaMaxWeightDifference <= 0 {
		cfg.MetaMaxWeightDifference = def.MetaMaxWeightDifference
	}
	if cfg.AbstainThreshold <= 0 {
		cfg.AbstainThreshold = def.AbstainThreshold
	}
	if cfg.MaxRequery <= 0 {
		cfg.MaxRequery = def.MaxRequery
	}
	e := &Engine{
		cfg:       cfg,
		requeries: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Vote runs the full pipeline over the settled result set. It is a pure
// function of that set except for the meta-voting call, the random tie-break
// draw and the abstention re-query counter.
func (e *Engine) Vote(ctx context.Context, in Input) *Result {
	fulfilled := role.Successes(in.Results)
	if len(fulfilled) == 0 {
		return &Result{
			Consensus:    ConsensusNone,
			Weights:      map[string]Weights{},
			FeaturesUsed: []string{},
		}
	}

	traditional := traditionalWeights(fulfilled)
	diversity := diversityWeights(fulfilled)
	historical := historicalWeights(fulfilled, e.history)
	semantic := semanticConfidences(fulfilled, in.SemanticConfidence)
	hybrid := hybridWeights(fulfilled, traditional, diversity, historical, semantic)

	winner, _, topW, secondW := topTwo(hybrid)
	margin := topW - secondW
	consensus := consensusLabel(topW, margin)
	confidence := topW

	res := &Result{
		Winner:     winner,
		Confidence: confidence,
		Consensus:  consensus,
		Weights:    make(map[string]Weights, len(fulfilled)),
		FeaturesUsed: []string{
			"traditional", "diversity", "historical", "semantic", "reliability",
		},
	}
	for _, r := range fulfilled {
		res.Weights[r.Role] = Weights{
			Traditional: traditional[r.Role],
			Diversity:   diversity[r.Role],
			Historical:  historical[r.Role],
			Semantic:    semantic[r.Role],
			Reliability: reliabilityScore(r),
			Hybrid:      hybrid[r.Role],
		}
	}

	if e.needsTieBreak(hybrid, topW, margin, consensus) {
		st := &tieState{
			engine:      e,
			prompt:      in.Prompt,
			results:     fulfilled,
			traditional: traditional,
			diversity:   diversity,
			historical:  historical,
			semantic:    semantic,
			hybrid:      hybrid,
			tradWinner:  winner,
			candidates:  clusterRoles(hybrid, topW, e.cfg.TieCluster),
		}
		tb := e.runCascade(ctx, st)
		res.TieBreaking = tb
		res.FeaturesUsed = append(res.FeaturesUsed, "tie_breaking")
		if tb.Winner != "" {
			res.Winner = tb.Winner
			res.Confidence = tb.Confidence
		}
		if tb.Meta != nil {
			res.MetaVoting = tb.Meta
		}
	}

	// Meta-voting pass for outcomes still weak after the cascade.
	if e.meta != nil && res.MetaVoting == nil && e.stillWeak(res, margin) {
		if meta, err := e.meta.Vote(ctx, in.Prompt, fulfilled); err == nil {
			res.MetaVoting = meta
			res.Winner = meta.Winner
			res.Confidence = meta.Confidence
			res.FeaturesUsed = append(res.FeaturesUsed, "meta_voting")
		}
	}

	if abst := e.maybeAbstain(in.CorrelationID, res, fulfilled); abst != nil {
		res.Abstention = abst
		res.FeaturesUsed = append(res.FeaturesUsed, "abstention")
	}

	return res
}

func (e *Engine) needsTieBreak(hybrid map[string]float64, topW, margin float64, consensus Consensus) bool {
	if margin <= e.cfg.TieMargin {
		return true
	}
	if consensus == ConsensusWeak || consensus == ConsensusVeryWeak {
		return true
	}
	// Three-way cluster hugging the top.
	return len(clusterRoles(hybrid, topW, e.cfg.TieMargin)) >= 3
}

func (e *Engine) stillWeak(res *Result, margin float64) bool {
	if margin <= e.cfg.MetaMaxWeightDifference {
		return true
	}
	return res.Consensus == ConsensusWeak || res.Consensus == ConsensusVeryWeak
}

// clusterRoles returns the roles whose hybrid weight is within width of the
// top weight.
func clusterRoles(hybrid map[string]float64, topW, width float64) []string {
	var roles []string
	for role, w := range hybrid {
		if topW-w <= width {
			roles = append(roles, role)
		}
	}
	return roles
}

// maybeAbstain recommends abstention when the vote stayed very weak and the
// re-query budget for this correlation ID is not exhausted.
func (e *Engine) maybeAbstain(correlationID string, res *Result, fulfilled []role.Result) *AbstentionResult {
	if res.Consensus != ConsensusVeryWeak || res.Confidence >= e.cfg.AbstainThreshold {
		return nil
	}

	e.mu.Lock()
	count := e.requeries[correlationID]
	if count >= e.cfg.MaxRequery {
		e.mu.Unlock()
		return &AbstentionResult{ShouldAbstain: false, RequeryCount: count}
	}
	e.requeries[correlationID] = count + 1
	e.mu.Unlock()

	strategy := StrategyRephrase
	switch {
	case len(fulfilled) < 3:
		strategy = StrategyExpandModelSet
	case shortAnswers(fulfilled):
		strategy = StrategyRaiseTokens
	}
	return &AbstentionResult{
		ShouldAbstain: true,
		Strategy:      strategy,
		RequeryCount:  count + 1,
	}
}

func shortAnswers(results []role.Result) bool {
	for _, r := range results {
		if len(r.Content) >= 200 {
			return false
		}
	}
	return true
}
