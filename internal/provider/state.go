package provider

import (
	"sync"
	"time"

	"github.com/neurastack/ensemble/internal/csync"
)

const (
	// emaAlpha is the smoothing factor for latency and quality EMAs.
	emaAlpha = 0.2

	// sampleRingSize bounds the recent-samples ring per model.
	sampleRingSize = 50
)

// State is the mutable runtime view of one model. All fields are guarded by
// mu; the router reads through snapshot accessors and tolerates staleness.
type State struct {
	mu sync.Mutex

	totalRequests  int64
	successCount   int64
	failureCount   int64
	emaResponseMs  float64
	emaQuality     float64
	hasQuality     bool
	currentLoad    int
	lastUsedAt     time.Time
	recentSamples  []Sample
	nextSampleSlot int
}

// Snapshot is an immutable copy of a model's runtime state.
type Snapshot struct {
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	EmaResponseMs float64
	EmaQuality    float64
	HasQuality    bool
	CurrentLoad   int
	LastUsedAt    time.Time
}

// SuccessRate returns the fraction of completed calls that succeeded, or 1
// when the model is unused.
func (s Snapshot) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1
	}
	return float64(s.SuccessCount) / float64(s.TotalRequests)
}

// StateRegistry owns the per-model runtime state for one Ensemble root.
type StateRegistry struct {
	states *csync.Map[string, *State]
}

// NewStateRegistry creates an empty registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{states: csync.NewMap[string, *State]()}
}

func (r *StateRegistry) state(key string) *State {
	return r.states.GetOrSet(key, func() *State {
		return &State{recentSamples: make([]Sample, 0, sampleRingSize)}
	})
}

// Reserve increments the model's current load. The caller must pair every
// Reserve with exactly one Release.
func (r *StateRegistry) Reserve(key string) {
	s := r.state(key)
	s.mu.Lock()
	s.currentLoad++
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

// Release decrements the model's current load, never below zero.
func (r *StateRegistry) Release(key string) {
	s := r.state(key)
	s.mu.Lock()
	if s.currentLoad > 0 {
		s.currentLoad--
	}
	s.mu.Unlock()
}

// RecordSuccess folds a successful call into the model's counters and EMAs.
// Quality may be NaN-free zero when unknown; pass hasQuality=false to skip
// the quality EMA.
func (r *StateRegistry) RecordSuccess(key string, latency time.Duration, quality float64, hasQuality bool) {
	s := r.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.successCount++
	ms := float64(latency.Milliseconds())
	if s.emaResponseMs == 0 {
		s.emaResponseMs = ms
	} else {
		s.emaResponseMs = emaAlpha*ms + (1-emaAlpha)*s.emaResponseMs
	}
	if hasQuality {
		if !s.hasQuality {
			s.emaQuality = quality
			s.hasQuality = true
		} else {
			s.emaQuality = emaAlpha*quality + (1-emaAlpha)*s.emaQuality
		}
	}
	s.pushSample(Sample{At: time.Now(), OK: true, Latency: latency, Quality: quality})
}

// RecordFailure folds a failed call into the model's counters.
func (r *StateRegistry) RecordFailure(key string, latency time.Duration) {
	s := r.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.failureCount++
	s.pushSample(Sample{At: time.Now(), OK: false, Latency: latency})
}

func (s *State) pushSample(sample Sample) {
	if len(s.recentSamples) < sampleRingSize {
		s.recentSamples = append(s.recentSamples, sample)
		return
	}
	s.recentSamples[s.nextSampleSlot] = sample
	s.nextSampleSlot = (s.nextSampleSlot + 1) % sampleRingSize
}

// Snapshot returns an immutable copy of the model's state.
func (r *StateRegistry) Snapshot(key string) Snapshot {
	s := r.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TotalRequests: s.totalRequests,
		SuccessCount:  s.successCount,
		FailureCount:  s.failureCount,
		EmaResponseMs: s.emaResponseMs,
		EmaQuality:    s.emaQuality,
		HasQuality:    s.hasQuality,
		CurrentLoad:   s.currentLoad,
		LastUsedAt:    s.lastUsedAt,
	}
}

// Load returns the model's current reserved load.
func (r *StateRegistry) Load(key string) int {
	s := r.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLoad
}

// TotalLoad sums current load across every tracked model.
func (r *StateRegistry) TotalLoad() int {
	total := 0
	for s := range r.states.Seq() {
		s.mu.Lock()
		total += s.currentLoad
		s.mu.Unlock()
	}
	return total
}

// HistoryFactor derives a long-window accuracy factor for voting from the
// model's success rate and quality EMA. Unused models report 1.0.
func (r *StateRegistry) HistoryFactor(key string) float64 {
	snap := r.Snapshot(key)
	if snap.TotalRequests == 0 {
		return 1.0
	}
	factor := 0.5 + snap.SuccessRate()*0.5
	if snap.HasQuality {
		factor = (factor + 0.5 + snap.EmaQuality*0.5) / 2
	}
	return factor
}
