package provider

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveReleasePairs(t *testing.T) {
	t.Parallel()

	r := NewStateRegistry()
	r.Reserve("openai/gpt")
	r.Reserve("openai/gpt")
	assert.Equal(t, 2, r.Load("openai/gpt"))

	r.Release("openai/gpt")
	r.Release("openai/gpt")
	assert.Zero(t, r.Load("openai/gpt"))

	// Load never goes negative, even on unbalanced release.
	r.Release("openai/gpt")
	assert.Zero(t, r.Load("openai/gpt"))
}

func TestRecordSuccessUpdatesEMA(t *testing.T) {
	t.Parallel()

	r := NewStateRegistry()
	r.RecordSuccess("m", 1000*time.Millisecond, 0.8, true)
	snap := r.Snapshot("m")
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.InDelta(t, 1000, snap.EmaResponseMs, 1e-9)
	assert.InDelta(t, 0.8, snap.EmaQuality, 1e-9)

	r.RecordSuccess("m", 2000*time.Millisecond, 0.6, true)
	snap = r.Snapshot("m")
	// EMA moves toward the new sample without jumping to it.
	assert.Greater(t, snap.EmaResponseMs, 1000.0)
	assert.Less(t, snap.EmaResponseMs, 2000.0)
	assert.Less(t, snap.EmaQuality, 0.8)
	assert.Greater(t, snap.EmaQuality, 0.6)
}

func TestSuccessRate(t *testing.T) {
	t.Parallel()

	r := NewStateRegistry()
	assert.InDelta(t, 1.0, r.Snapshot("fresh").SuccessRate(), 1e-9)

	r.RecordSuccess("m", time.Second, 0, false)
	r.RecordFailure("m", time.Second)
	assert.InDelta(t, 0.5, r.Snapshot("m").SuccessRate(), 1e-9)
}

func TestHistoryFactor(t *testing.T) {
	t.Parallel()

	r := NewStateRegistry()
	assert.InDelta(t, 1.0, r.HistoryFactor("unused"), 1e-9)

	for range 10 {
		r.RecordSuccess("good", time.Second, 0.9, true)
	}
	for range 10 {
		r.RecordFailure("bad", time.Second)
	}
	assert.Greater(t, r.HistoryFactor("good"), r.HistoryFactor("bad"))
}

func TestTotalLoadAcrossModels(t *testing.T) {
	t.Parallel()

	r := NewStateRegistry()
	r.Reserve("a")
	r.Reserve("b")
	r.Reserve("b")
	assert.Equal(t, 3, r.TotalLoad())
}

func TestConcurrentStateUpdates(t *testing.T) {
	t.Parallel()

	r := NewStateRegistry()
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Reserve("m")
			r.RecordSuccess("m", time.Millisecond, 0.5, true)
			r.Release("m")
		}()
	}
	wg.Wait()

	snap := r.Snapshot("m")
	require.Equal(t, int64(100), snap.TotalRequests)
	assert.Zero(t, snap.CurrentLoad)
}

func TestStaticClientScripts(t *testing.T) {
	t.Parallel()

	client := NewStaticClient(map[string]*Script{
		"ok":    {Text: "hello", Confidence: 0.9},
		"flaky": {Text: "recovered", Err: assertErr{}, FailFirst: 2},
	})

	resp, err := client.Call(t.Context(), Request{Model: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)

	_, err = client.Call(t.Context(), Request{Model: "flaky"})
	require.Error(t, err)
	_, err = client.Call(t.Context(), Request{Model: "flaky"})
	require.Error(t, err)
	resp, err = client.Call(t.Context(), Request{Model: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)

	assert.Equal(t, 3, client.Calls("flaky"))
	assert.Equal(t, 4, client.TotalCalls())

	_, err = client.Call(t.Context(), Request{Model: "unknown"})
	require.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "scripted failure" }
