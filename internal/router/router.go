// Package router selects a diverse, health- and load-aware subset of the
// available models for each request.
package router

import (
	"sort"

	"github.com/neurastack/ensemble/internal/breaker"
	"github.com/neurastack/ensemble/internal/errors"
	"github.com/neurastack/ensemble/internal/provider"
)

// Composite score weights.
const (
	weightPerformance = 0.25
	weightCost        = 0.20
	weightSpecialty   = 0.25
	weightReliability = 0.20
	weightLoad        = 0.10
)

// Config tunes the router.
type Config struct {
	// MaxLoad is the per-model concurrent load at which the load
	// sub-score reaches zero.
	MaxLoad int
	// PremiumCostBudget and FreeCostBudget are the per-1K-token budgets
	// the cost sub-score is normalized against.
	PremiumCostBudget float64
	FreeCostBudget    float64
	// Fallback names the models returned, in the configured order, when no
	// model passes the circuit-breaker availability check.
	Fallback []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLoad:           10,
		PremiumCostBudget: 1e-3,
		FreeCostBudget:    3e-4,
	}
}

// Router scores and picks models. It reads breaker state and runtime load
// but never mutates them beyond reserving load for its selection.
type Router struct {
	cfg      Config
	models   []provider.Descriptor
	states   *provider.StateRegistry
	breakers *breaker.Registry
}

// New creates a router over the given model registry.
func New(cfg Config, models []provider.Descriptor, states *provider.StateRegistry, breakers *breaker.Registry) *Router {
	def := DefaultConfig()
	if cfg.MaxLoad <= 0 {
		cfg.MaxLoad = def.MaxLoad
	}
	if cfg.PremiumCostBudget <= 0 {
		cfg.PremiumCostBudget = def.PremiumCostBudget
	}
	if cfg.FreeCostBudget <= 0 {
		cfg.FreeCostBudget = def.FreeCostBudget
	}
	return &Router{cfg: cfg, models: models, states: states, breakers: breakers}
}

// Scored is one candidate with its composite and sub-scores, kept for
// explainability.
type Scored struct {
	Model       provider.Descriptor
	Class       RequestClass
	Performance float64
	Cost        float64
	Specialty   float64
	Reliability float64
	Load        float64
	Composite   float64
}

// Select returns k distinct models for the prompt, best-scored first, with
// at most one model per provider preferred before filling by raw score.
// The selected models' load counters are incremented; the caller must
// release each exactly once via Release.
func (r *Router) Select(prompt, tier string, k int) ([]Scored, error) {
	if k <= 0 {
		return nil, errors.New(errors.KindProgrammerBug, "router: k must be positive")
	}

	class := Classify(prompt)
	candidates := make([]Scored, 0, len(r.models))
	for _, m := range r.models {
		if !r.breakers.Available(m.Key()) {
			continue
		}
		candidates = append(candidates, r.score(m, class, tier))
	}
	if len(candidates) == 0 {
		fallback := r.fallback()
		if len(fallback) == 0 {
			return nil, errors.New(errors.KindBreakerOpen, "router: no models available")
		}
		candidates = fallback
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Composite > candidates[j].Composite
	})

	selected := diversify(candidates, k)
	for _, s := range selected {
		r.states.Reserve(s.Model.Key())
	}
	return selected, nil
}

// Release undoes one Select reservation for the model.
func (r *Router) Release(model provider.Descriptor) {
	r.states.Release(model.Key())
}

func (r *Router) score(m provider.Descriptor, class RequestClass, tier string) Scored {
	snap := r.states.Snapshot(m.Key())

	// Performance: blend of success rate, latency headroom against a 30s
	// horizon, and quality EMA. Unused models score a neutral 0.7.
	performance := 0.7
	if snap.TotalRequests > 0 {
		latencyScore := max(0, 1-snap.EmaResponseMs/30000)
		quality := snap.EmaQuality
		if !snap.HasQuality {
			quality = 0.7
		}
		performance = 0.4*snap.SuccessRate() + 0.3*latencyScore + 0.3*quality
	}

	budget := r.cfg.FreeCostBudget
	if tier == "premium" {
		budget = r.cfg.PremiumCostBudget
	}
	cost := max(0, 1-m.CostPerKToken/budget)

	specialty := 0.5
	switch {
	case m.HasSpecialty(string(class)):
		specialty = 1.0
	case m.HasSpecialty("general"):
		specialty = 0.7
	}

	load := max(0, 1-float64(snap.CurrentLoad)/float64(r.cfg.MaxLoad))

	composite := weightPerformance*performance +
		weightCost*cost +
		weightSpecialty*specialty +
		weightReliability*m.BaselineReliability +
		weightLoad*load
	composite = min(1, max(0, composite))

	return Scored{
		Model:       m,
		Class:       class,
		Performance: performance,
		Cost:        cost,
		Specialty:   specialty,
		Reliability: m.BaselineReliability,
		Load:        load,
		Composite:   composite,
	}
}

// diversify walks candidates by descending score, taking the best from each
// distinct provider first, then filling remaining slots by score.
func diversify(candidates []Scored, k int) []Scored {
	selected := make([]Scored, 0, k)
	taken := make(map[string]bool)
	providers := make(map[string]bool)

	for _, c := range candidates {
		if len(selected) == k {
			return selected
		}
		if providers[c.Model.Provider] {
			continue
		}
		providers[c.Model.Provider] = true
		taken[c.Model.Key()] = true
		selected = append(selected, c)
	}
	for _, c := range candidates {
		if len(selected) == k {
			break
		}
		if taken[c.Model.Key()] {
			continue
		}
		taken[c.Model.Key()] = true
		selected = append(selected, c)
	}
	return selected
}

// fallback resolves the configured fallback names against the registry,
// ignoring breaker state: a fixed triple beats returning nothing.
func (r *Router) fallback() []Scored {
	byName := make(map[string]provider.Descriptor, len(r.models))
	for _, m := range r.models {
		byName[m.Name] = m
	}
	out := make([]Scored, 0, len(r.cfg.Fallback))
	for _, name := range r.cfg.Fallback {
		if m, ok := byName[name]; ok {
			out = append(out, Scored{Model: m, Class: ClassGeneral, Composite: 0.5})
		}
	}
	return out
}
