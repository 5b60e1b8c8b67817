// Package provider defines the normalized contract between the ensemble
// runtime and the heterogeneous LLM providers behind it, together with the
// process-global runtime state tracked per model.
package provider

import (
	"context"
	"time"
)

// Request is one normalized completion call to a single model.
// Temperature zero leaves the provider default in place.
type Request struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 250

// Response is a normalized completion reply. Confidence is optional; zero
// means the provider adapter reports none and the runner assumes a neutral
// default.
type Response struct {
	Text       string
	Provider   string
	Model      string
	LatencyMs  int64
	Confidence float64
}

// Client is the abstract wire-level client for one provider. Implementations
// are expected to honor ctx deadlines and to surface failures as
// *errors.Error values so the retry and breaker layers can classify them.
type Client interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// SpeedClass buckets models by expected latency.
type SpeedClass string

const (
	SpeedFast   SpeedClass = "fast"
	SpeedMedium SpeedClass = "medium"
	SpeedSlow   SpeedClass = "slow"
)

// QualityClass buckets models by expected answer quality.
type QualityClass string

const (
	QualityBasic    QualityClass = "basic"
	QualityStandard QualityClass = "standard"
	QualityPremium  QualityClass = "premium"
)

// Descriptor is the process-lifetime static description of one model.
type Descriptor struct {
	Name                string       `json:"name"`
	Provider            string       `json:"provider"`
	CostPerKToken       float64      `json:"cost_per_k_token"`
	Speed               SpeedClass   `json:"speed"`
	Quality             QualityClass `json:"quality"`
	Specialties         []string     `json:"specialties"`
	MaxTokens           int          `json:"max_tokens"`
	BaselineReliability float64      `json:"baseline_reliability"`
}

// Key identifies the model in registries and breaker scopes.
func (d Descriptor) Key() string {
	return d.Provider + "/" + d.Name
}

// HasSpecialty reports whether the model lists the given specialty tag.
func (d Descriptor) HasSpecialty(tag string) bool {
	for _, s := range d.Specialties {
		if s == tag {
			return true
		}
	}
	return false
}

// Sample is one completed call observation kept in the recent-samples ring.
type Sample struct {
	At      time.Time
	OK      bool
	Latency time.Duration
	Quality float64
}
