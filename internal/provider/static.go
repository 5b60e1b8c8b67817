package provider

import (
	"context"
	"sync"
	"time"

	"github.com/neurastack/ensemble/internal/errors"
)

// Script describes how a StaticClient answers calls for one model.
type Script struct {
	// Text is the canned completion.
	Text string
	// Confidence is attached to the reply; zero leaves it unset.
	Confidence float64
	// Latency is simulated before answering.
	Latency time.Duration
	// Err, when non-nil, is returned instead of a response. FailFirst
	// limits the failure to the first N calls; zero means always.
	Err       error
	FailFirst int
}

// StaticClient is an in-process Client that replays canned responses. It is
// used by the CLI demo and by tests; it honors context cancellation during
// the simulated latency.
type StaticClient struct {
	mu      sync.Mutex
	scripts map[string]*Script
	calls   map[string]int
}

// NewStaticClient creates a client from a model-name to script table.
func NewStaticClient(scripts map[string]*Script) *StaticClient {
	return &StaticClient{
		scripts: scripts,
		calls:   make(map[string]int),
	}
}

// Calls returns how many times the given model was called.
func (c *StaticClient) Calls(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[model]
}

// TotalCalls returns how many calls were made across all models.
func (c *StaticClient) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// Call implements Client.
func (c *StaticClient) Call(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	script, ok := c.scripts[req.Model]
	c.calls[req.Model]++
	n := c.calls[req.Model]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.KindInvalidInput, "no script for model %q", req.Model)
	}

	start := time.Now()
	if script.Latency > 0 {
		select {
		case <-time.After(script.Latency):
		case <-ctx.Done():
			return nil, errors.Wrap(errors.KindCancelled, "call cancelled", ctx.Err())
		}
	}

	if script.Err != nil && (script.FailFirst == 0 || n <= script.FailFirst) {
		return nil, script.Err
	}
	if script.Text == "" {
		return nil, errors.New(errors.KindInvalidPayload, "empty completion")
	}

	return &Response{
		Text:       script.Text,
		Model:      req.Model,
		LatencyMs:  time.Since(start).Milliseconds(),
		Confidence: script.Confidence,
	}, nil
}
