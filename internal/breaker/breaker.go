// Package breaker provides per-model circuit breaking on top of
// sony/gobreaker. Failures that indicate provider unhealth trip the breaker;
// auth and client-side failures pass through and never trip it (Execute
// describes how they are counted).
package breaker

import (
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/neurastack/ensemble/internal/csync"
	"github.com/neurastack/ensemble/internal/errors"
)

// Config tunes every breaker created by a Registry.
type Config struct {
	// FailureThreshold is the consecutive counted failures that open the
	// breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial call.
	ResetTimeout time.Duration
	// OnStateChange, when set, observes transitions.
	OnStateChange func(key string, from, to State)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// State mirrors the breaker state machine.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// uncounted wraps failures that must not trip the breaker. gobreaker sees
// them as successes via IsSuccessful; Execute unwraps before returning.
type uncounted struct {
	err error
}

func (u *uncounted) Error() string { return u.err.Error() }
func (u *uncounted) Unwrap() error { return u.err }

// Registry holds one breaker per (provider, model) key.
type Registry struct {
	cfg      Config
	breakers *csync.Map[string, *gobreaker.CircuitBreaker]
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Registry{
		cfg:      cfg,
		breakers: csync.NewMap[string, *gobreaker.CircuitBreaker](),
	}
}

func (r *Registry) breaker(key string) *gobreaker.CircuitBreaker {
	return r.breakers.GetOrSet(key, func() *gobreaker.CircuitBreaker {
		settings := gobreaker.Settings{
			Name: key,
			// One trial admission per reset window while half-open.
			MaxRequests: 1,
			Timeout:     r.cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var u *uncounted
				return stderrors.As(err, &u)
			},
		}
		if r.cfg.OnStateChange != nil {
			settings.OnStateChange = func(name string, from, to gobreaker.State) {
				r.cfg.OnStateChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		}
		return gobreaker.NewCircuitBreaker(settings)
	})
}

// Execute runs fn under the breaker for key. While the breaker is open it
// fails immediately with KindBreakerOpen without invoking fn. Failures whose
// kind does not count toward the breaker never trip it, but gobreaker records
// them as successes: they reset the consecutive-failure count, and a
// half-open trial call that ends in one closes the breaker.
func (r *Registry) Execute(key string, fn func() error) error {
	cb := r.breaker(key)
	_, err := cb.Execute(func() (any, error) {
		if err := fn(); err != nil {
			if !errors.KindOf(err).CountsTowardBreaker() {
				return nil, &uncounted{err: err}
			}
			return nil, err
		}
		return nil, nil
	})
	if err == nil {
		return nil
	}
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(errors.KindBreakerOpen, "circuit open for "+key, err)
	}
	var u *uncounted
	if stderrors.As(err, &u) {
		return u.err
	}
	return err
}

// State returns the current breaker state for key. Keys never executed
// report Closed.
func (r *Registry) State(key string) State {
	cb, ok := r.breakers.Get(key)
	if !ok {
		return Closed
	}
	return fromGobreaker(cb.State())
}

// Available reports whether the router may select the model. Half-open
// breakers stay available so their single trial call can be admitted.
func (r *Registry) Available(key string) bool {
	return r.State(key) != Open
}
