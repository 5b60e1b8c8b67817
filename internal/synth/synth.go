// Package synth defines the synthesis contract and the fallback used when
// the synthesizer fails.
package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/neurastack/ensemble/internal/role"
)

// Output is one synthesized answer.
type Output struct {
	Content    string
	Confidence float64
	Validation float64
}

// Synthesizer combines the fulfilled per-model replies into one answer.
// Prompt engineering lives behind this interface; the core only depends on
// the contract.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string, results []role.Result) (*Output, error)
}

// Fallback reasons reported on the synthesis envelope.
const (
	FallbackPassthrough = "synthesizer_failed_passthrough"
	FallbackConcat      = "synthesizer_failed_concatenation"
)

// Fallback produces a degraded synthesis from the fulfilled replies: a
// passthrough for a single success, a headed concatenation otherwise.
// It returns the output and the fallback reason.
func Fallback(results []role.Result) (*Output, string) {
	fulfilled := role.Successes(results)
	if len(fulfilled) == 0 {
		return nil, ""
	}
	if len(fulfilled) == 1 {
		return &Output{
			Content:    fulfilled[0].Content,
			Confidence: fulfilled[0].Confidence,
		}, FallbackPassthrough
	}

	var sb strings.Builder
	confidence := 0.0
	for i, r := range fulfilled {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", r.Role, r.Content)
		confidence += r.Confidence
	}
	return &Output{
		Content:    sb.String(),
		Confidence: confidence / float64(len(fulfilled)),
	}, FallbackConcat
}

// Passthrough is a Synthesizer that always falls back; it serves the CLI
// demo and tests that exercise the runner without a model-backed
// synthesizer.
type Passthrough struct{}

// Synthesize implements Synthesizer.
func (Passthrough) Synthesize(ctx context.Context, prompt string, results []role.Result) (*Output, error) {
	out, _ := Fallback(results)
	if out == nil {
		return nil, fmt.Errorf("no fulfilled results to synthesize")
	}
	return out, nil
}
