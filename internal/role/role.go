// Package role defines the per-model result record shared by the voting
// engine, the synthesizer contract, and the runner.
package role

import "github.com/neurastack/ensemble/internal/errors"

// Status tags a result as settled-success or settled-failure.
type Status string

const (
	Fulfilled Status = "FULFILLED"
	Rejected  Status = "REJECTED"
)

// Result is one model's settled outcome within a request. Role is the
// stable label assigned by the router and is the identity used by voting.
type Result struct {
	Role       string      `json:"role"`
	Provider   string      `json:"provider"`
	Model      string      `json:"model"`
	Status     Status      `json:"status"`
	Content    string      `json:"content,omitempty"`
	WordCount  int         `json:"word_count,omitempty"`
	LatencyMs  int64       `json:"latency_ms"`
	Confidence float64     `json:"confidence"`
	ErrorKind  errors.Kind `json:"error_kind,omitempty"`
}

// Successes filters results down to the fulfilled ones.
func Successes(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Status == Fulfilled {
			out = append(out, r)
		}
	}
	return out
}
