// Package ensemble implements the orchestration runtime: admission,
// dispatch, per-request fan-out, voting, synthesis, and caching, behind one
// explicitly constructed root object.
package ensemble

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/neurastack/ensemble/internal/breaker"
	"github.com/neurastack/ensemble/internal/cache"
	"github.com/neurastack/ensemble/internal/config"
	"github.com/neurastack/ensemble/internal/errors"
	"github.com/neurastack/ensemble/internal/memory"
	"github.com/neurastack/ensemble/internal/observe"
	"github.com/neurastack/ensemble/internal/provider"
	"github.com/neurastack/ensemble/internal/pubsub"
	"github.com/neurastack/ensemble/internal/ratelimit"
	"github.com/neurastack/ensemble/internal/retry"
	"github.com/neurastack/ensemble/internal/router"
	"github.com/neurastack/ensemble/internal/synth"
	"github.com/neurastack/ensemble/internal/voting"
)

// Input is one user request.
type Input struct {
	Prompt    string
	UserID    string
	SessionID string
	Tier      string
	Explain   bool
}

// EventPayload is published on the lifecycle broker.
type EventPayload struct {
	CorrelationID string
	Tier          string
	Detail        string
}

// request is the internal admission record. Immutable after admission
// except for the retry counter, which only the worker touches.
type request struct {
	id            string
	prompt        string
	userID        string
	sessionID     string
	tier          string
	correlationID string
	explain       bool
	admittedAt    time.Time
	retryCount    int

	ctx    context.Context
	result chan *Envelope
}

// Ensemble is the runtime root. Construct one per process (or per test)
// with New; all process-wide state hangs off it.
type Ensemble struct {
	cfg      *config.Config
	client   provider.Client
	states   *provider.StateRegistry
	breakers *breaker.Registry
	retries  *retry.Executor
	cache    *cache.Cache
	router   *router.Router
	voting   *voting.Engine
	synth    synth.Synthesizer
	memory   memory.Store
	observer observe.Observer
	metrics  *observe.Metrics
	limiter  *ratelimit.Limiter
	events   *pubsub.Broker[EventPayload]

	queue    *queue
	inFlight map[string]int
	flightMu sync.Mutex

	byName map[string]provider.Descriptor

	// Option-carried collaborators, consumed during construction.
	cacheStoreOpt cache.Store
	metaClientOpt provider.Client

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures optional collaborators.
type Option func(*Ensemble)

// WithSynthesizer replaces the default passthrough synthesizer.
func WithSynthesizer(s synth.Synthesizer) Option {
	return func(e *Ensemble) { e.synth = s }
}

// WithMemory attaches a conversation memory store.
func WithMemory(m memory.Store) Option {
	return func(e *Ensemble) { e.memory = m }
}

// WithObserver attaches the diagnostic log sink.
func WithObserver(o observe.Observer) Option {
	return func(e *Ensemble) { e.observer = o }
}

// WithMetrics attaches the prometheus recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Ensemble) { e.metrics = m }
}

// WithCacheStore attaches a persistent store under the cache's exact layer.
func WithCacheStore(s cache.Store) Option {
	return func(e *Ensemble) { e.cacheStoreOpt = s }
}

// WithMetaVoter enables AI meta-voting through the given client.
func WithMetaVoter(client provider.Client) Option {
	return func(e *Ensemble) { e.metaClientOpt = client }
}

// New constructs the runtime and starts its dispatcher. Call Close to shut
// it down.
func New(cfg *config.Config, client provider.Client, opts ...Option) (*Ensemble, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New(errors.KindProgrammerBug, "ensemble: model client is required")
	}

	e := &Ensemble{
		cfg:      cfg,
		client:   client,
		states:   provider.NewStateRegistry(),
		observer: observe.Nop{},
		memory:   memory.Noop{},
		synth:    synth.Passthrough{},
		limiter:  ratelimit.New(cfg.RateLimitPerHourFree),
		events:   pubsub.NewBroker[EventPayload](),
		queue:    newQueue(cfg.MaxQueue),
		inFlight: make(map[string]int),
		stop:     make(chan struct{}),
		byName:   make(map[string]provider.Descriptor, len(cfg.Models)),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, m := range cfg.Models {
		e.byName[m.Name] = m
	}

	e.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutMs) * time.Millisecond,
		OnStateChange: func(key string, from, to breaker.State) {
			e.metrics.BreakerTransition(key, string(to))
			e.observer.Log(observe.LevelWarn, "breaker transition", map[string]any{
				"model": key, "from": string(from), "to": string(to),
			}, "")
		},
	})
	e.retries = retry.NewExecutor(retry.Policy{
		MaxAttempts: cfg.Call.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Call.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Call.MaxDelayMs) * time.Millisecond,
	})

	cacheCfg := cache.Config{
		MaxCacheSize:         cfg.Cache.MaxCacheSize,
		SimilarityThreshold:  cfg.Cache.SimilarityThreshold,
		QualityThreshold:     cfg.Cache.QualityThreshold,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		UserPatternWindow:    cfg.Cache.UserPatternWindow,
		HighQualityTTL:       time.Duration(cfg.Cache.HighQualityTTLSec) * time.Second,
		MediumQualityTTL:     time.Duration(cfg.Cache.MediumQualityTTLSec) * time.Second,
		LowQualityTTL:        time.Duration(cfg.Cache.LowQualityTTLSec) * time.Second,
	}
	if e.cacheStoreOpt == nil && cfg.Cache.RedisAddr != "" {
		e.cacheStoreOpt = cache.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr}))
	}
	if e.cacheStoreOpt != nil {
		e.cache = cache.New(cacheCfg, cache.WithStore(e.cacheStoreOpt))
	} else {
		e.cache = cache.New(cacheCfg)
	}

	e.router = router.New(router.Config{
		MaxLoad:           cfg.Router.MaxLoad,
		PremiumCostBudget: cfg.Router.PremiumCostBudget,
		FreeCostBudget:    cfg.Router.FreeCostBudget,
		Fallback:          cfg.Router.Fallback,
	}, cfg.Models, e.states, e.breakers)

	votingOpts := []voting.Option{
		voting.WithHistory(func(model string) float64 {
			if m, ok := e.byName[model]; ok {
				return e.states.HistoryFactor(m.Key())
			}
			return 1.0
		}),
	}
	if e.metaClientOpt != nil {
		votingOpts = append(votingOpts, voting.WithMetaVoter(voting.NewMetaVoter(voting.MetaVoterConfig{
			Model:       cfg.MetaVoter.Model,
			MaxTokens:   cfg.MetaVoter.MaxTokens,
			Temperature: cfg.MetaVoter.Temperature,
			Timeout:     time.Duration(cfg.MetaVoter.TimeoutMs) * time.Millisecond,
		}, e.metaClientOpt)))
	}
	e.voting = voting.NewEngine(voting.Config{
		TieMargin:               cfg.Voting.TieMargin,
		MetaMaxWeightDifference: cfg.MetaVoter.Trigger.MaxWeightDifference,
		AbstainThreshold:        cfg.Voting.AbstainThreshold,
		MaxRequery:              cfg.Voting.MaxRequery,
	}, votingOpts...)

	e.wg.Add(1)
	go e.dispatch()

	return e, nil
}

// Close stops the dispatcher, waits for in-flight requests, and releases
// the cache's background loop.
func (e *Ensemble) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.wg.Wait()
		e.cache.Close()
		e.events.Shutdown()
	})
}

// Events exposes the lifecycle broker for diagnostic subscribers.
func (e *Ensemble) Events() *pubsub.Broker[EventPayload] {
	return e.events
}

// CacheStats exposes cache counters.
func (e *Ensemble) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// ModelSnapshot exposes one model's runtime state for introspection.
func (e *Ensemble) ModelSnapshot(name string) (provider.Snapshot, bool) {
	m, ok := e.byName[name]
	if !ok {
		return provider.Snapshot{}, false
	}
	return e.states.Snapshot(m.Key()), true
}

// TotalLoad sums reserved load across all models.
func (e *Ensemble) TotalLoad() int {
	return e.states.TotalLoad()
}

// Run processes one request end to end. The envelope is always non-nil;
// admission failures, timeouts, and total fan-out failure are structured
// results, never errors.
func (e *Ensemble) Run(ctx context.Context, in Input) *Envelope {
	start := time.Now()
	correlationID := uuid.NewString()
	tier := in.Tier
	if tier != config.TierPremium {
		tier = config.TierFree
	}

	if in.Prompt == "" || len(in.Prompt) > e.cfg.MaxPromptLength {
		e.metrics.RequestDone("invalid_input", tier, time.Since(start).Seconds())
		return errorEnvelope(errors.KindInvalidInput, correlationID, tier, time.Since(start).Milliseconds(), nil)
	}

	if tier == config.TierFree {
		if err := e.limiter.Allow(in.UserID); err != nil {
			e.metrics.RequestDone("rate_exceeded", tier, time.Since(start).Seconds())
			return errorEnvelope(errors.KindRateExceeded, correlationID, tier, time.Since(start).Milliseconds(), nil)
		}
	}

	req := &request{
		id:            uuid.NewString(),
		prompt:        in.Prompt,
		userID:        in.UserID,
		sessionID:     in.SessionID,
		tier:          tier,
		correlationID: correlationID,
		explain:       in.Explain,
		admittedAt:    start,
		ctx:           ctx,
		result:        make(chan *Envelope, 1),
	}

	if err := e.queue.pushTail(req); err != nil {
		e.metrics.RequestDone("queue_full", tier, time.Since(start).Seconds())
		return errorEnvelope(errors.KindQueueFull, correlationID, tier, time.Since(start).Milliseconds(), nil)
	}
	e.metrics.QueueDepth(e.queue.len())
	e.events.Publish(pubsub.AdmittedEvent, EventPayload{CorrelationID: correlationID, Tier: tier})

	select {
	case env := <-req.result:
		return env
	case <-ctx.Done():
		e.metrics.RequestDone("cancelled", tier, time.Since(start).Seconds())
		return errorEnvelope(errors.KindCancelled, correlationID, tier, time.Since(start).Milliseconds(), nil)
	}
}

// dispatch is the work-stealing loop: it starts queued requests whenever
// their tier has in-flight headroom.
func (e *Ensemble) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-e.queue.signal:
		}
		for {
			req := e.queue.popEligible(func(r *request) bool {
				return e.tryAcquire(r.tier)
			})
			if req == nil {
				break
			}
			e.metrics.QueueDepth(e.queue.len())
			e.wg.Add(1)
			go func(req *request) {
				defer e.wg.Done()
				defer e.releaseFlight(req.tier)
				e.process(req)
			}(req)
		}
	}
}

func (e *Ensemble) tryAcquire(tier string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if e.inFlight[tier] >= e.cfg.MaxConcurrent(tier) {
		return false
	}
	e.inFlight[tier]++
	e.metrics.InFlight(e.totalInFlightLocked())
	return true
}

func (e *Ensemble) releaseFlight(tier string) {
	e.flightMu.Lock()
	e.inFlight[tier]--
	e.metrics.InFlight(e.totalInFlightLocked())
	e.flightMu.Unlock()
	// Freed capacity may unblock a queued request.
	e.queue.wake()
}

func (e *Ensemble) totalInFlightLocked() int {
	total := 0
	for _, n := range e.inFlight {
		total += n
	}
	return total
}
