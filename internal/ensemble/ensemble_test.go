package ensemble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/neurastack/ensemble/internal/breaker"
	"github.com/neurastack/ensemble/internal/config"
	"github.com/neurastack/ensemble/internal/errors"
	"github.com/neurastack/ensemble/internal/provider"
	"github.com/neurastack/ensemble/internal/role"
	"github.com/neurastack/ensemble/internal/synth"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// time.AfterFunc timers from request-level retry backoff may
		// outlive a test briefly.
		goleak.IgnoreTopFunction("time.goFunc"),
	)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models = []provider.Descriptor{
		{Name: "alpha", Provider: "openai", CostPerKToken: 1e-4, Specialties: []string{"general"}, BaselineReliability: 0.95},
		{Name: "bravo", Provider: "gemini", CostPerKToken: 1e-4, Specialties: []string{"general"}, BaselineReliability: 0.94},
		{Name: "charlie", Provider: "anthropic", CostPerKToken: 1e-4, Specialties: []string{"general"}, BaselineReliability: 0.96},
	}
	cfg.Router.Fallback = []string{"alpha", "bravo", "charlie"}
	cfg.TimeoutMs = map[string]int{config.TierFree: 2000, config.TierPremium: 2000}
	cfg.Call.MaxAttempts = 3
	cfg.Call.BaseDelayMs = 1
	cfg.Call.MaxDelayMs = 5
	cfg.RetryAttempts = 0
	cfg.RetryDelayMs = 1
	return cfg
}

func happyScripts() map[string]*provider.Script {
	reply := func(s string) string {
		out := s
		for len(out) < 400 {
			out += " " + s
		}
		return out[:400]
	}
	return map[string]*provider.Script{
		"alpha":   {Text: reply("Entropy measures the disorder of a thermodynamic system."), Confidence: 0.8},
		"bravo":   {Text: reply("Entropy quantifies randomness and unavailable energy in systems."), Confidence: 0.75},
		"charlie": {Text: reply("Entropy is a state function describing microscopic multiplicity."), Confidence: 0.7},
	}
}

func newTestEnsemble(t *testing.T, cfg *config.Config, client provider.Client, opts ...Option) *Ensemble {
	t.Helper()
	e, err := New(cfg, client, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestHappyPath(t *testing.T) {
	client := provider.NewStaticClient(happyScripts())
	e := newTestEnsemble(t, testConfig(), client)

	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	require.NotNil(t, env)

	assert.Equal(t, 3, env.Metadata.SuccessfulRoles)
	assert.Equal(t, 3, env.Metadata.TotalRoles)
	assert.False(t, env.Metadata.Cached)
	assert.NotEmpty(t, env.Synthesis.Content)
	assert.NotEqual(t, SynthesisError, env.Synthesis.Status)
	require.NotNil(t, env.Voting)
	assert.NotEmpty(t, env.Voting.Winner)
	assert.NotEqual(t, "none", string(env.Voting.Consensus))

	// Every selected model produced a settled role.
	assert.Len(t, env.Roles, 3)
	for _, r := range env.Roles {
		assert.Equal(t, role.Fulfilled, r.Status)
	}
}

func TestIdempotentCacheHit(t *testing.T) {
	client := provider.NewStaticClient(happyScripts())
	e := newTestEnsemble(t, testConfig(), client)

	first := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	require.False(t, first.Metadata.Cached)
	callsAfterFirst := client.TotalCalls()

	second := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	assert.True(t, second.Metadata.Cached)
	assert.Equal(t, "exact", second.Metadata.CacheLayer)
	assert.Equal(t, callsAfterFirst, client.TotalCalls(), "cache hit must not invoke any model")
	assert.Equal(t, first.Synthesis.Content, second.Synthesis.Content)
}

func TestPartialFailure(t *testing.T) {
	scripts := happyScripts()
	scripts["bravo"] = &provider.Script{Err: errors.New(errors.KindProvider5XX, "upstream exploded")}
	client := provider.NewStaticClient(scripts)

	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 3
	e := newTestEnsemble(t, cfg, client)

	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	assert.Equal(t, 2, env.Metadata.SuccessfulRoles)
	assert.Equal(t, 3, env.Metadata.TotalRoles)

	var bravo *role.Result
	for i := range env.Roles {
		if env.Roles[i].Role == "bravo" {
			bravo = &env.Roles[i]
		}
	}
	require.NotNil(t, bravo)
	assert.Equal(t, role.Rejected, bravo.Status)
	assert.Equal(t, errors.KindProvider5XX, bravo.ErrorKind)

	assert.Contains(t, []string{"alpha", "charlie"}, env.Voting.Winner)

	// Three failed attempts tripped bravo's breaker.
	snap, ok := e.ModelSnapshot("bravo")
	require.True(t, ok)
	assert.Positive(t, snap.FailureCount)
	assert.Equal(t, breaker.Open, e.breakers.State("gemini/bravo"))
}

func TestAllModelsFail(t *testing.T) {
	scripts := map[string]*provider.Script{
		"alpha":   {Err: errors.New(errors.KindTimeout, "slow")},
		"bravo":   {Err: errors.New(errors.KindTimeout, "slow")},
		"charlie": {Err: errors.New(errors.KindTimeout, "slow")},
	}
	e := newTestEnsemble(t, testConfig(), provider.NewStaticClient(scripts))

	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	require.NotNil(t, env, "envelope is returned even on total failure")
	assert.Equal(t, SynthesisError, env.Synthesis.Status)
	assert.Equal(t, 0, env.Metadata.SuccessfulRoles)
	assert.NotEmpty(t, env.Metadata.Error)
}

func TestTieBreakOnNearIdenticalAnswers(t *testing.T) {
	content := "Entropy quantifies the number of microscopic configurations of a system at fixed macroscopic state."
	scripts := map[string]*provider.Script{
		"alpha":   {Text: content, Confidence: 0.8},
		"bravo":   {Text: content, Confidence: 0.8},
		"charlie": {Err: errors.New(errors.KindNetwork, "flaky")},
	}
	e := newTestEnsemble(t, testConfig(), provider.NewStaticClient(scripts))

	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	require.Equal(t, 2, env.Metadata.SuccessfulRoles)
	require.NotNil(t, env.Voting.TieBreaking)
	assert.True(t, env.Voting.TieBreaking.Used)
	assert.Contains(t, []string{"alpha", "bravo"}, env.Voting.Winner)
}

func TestCacheSimilarityLayer(t *testing.T) {
	client := provider.NewStaticClient(happyScripts())
	e := newTestEnsemble(t, testConfig(), client)

	first := e.Run(context.Background(), Input{
		Prompt: "Summarize the second law of thermodynamics for students",
		UserID: "u1",
	})
	require.False(t, first.Metadata.Cached)
	callsAfterFirst := client.TotalCalls()

	// Same prompt with one stopword changed: exact key misses, vectors
	// still align.
	second := e.Run(context.Background(), Input{
		Prompt: "Summarize a second law of thermodynamics for students",
		UserID: "u1",
	})
	require.True(t, second.Metadata.Cached)
	assert.Equal(t, "similarity", second.Metadata.CacheLayer)
	assert.Equal(t, callsAfterFirst, client.TotalCalls())
}

func TestPromptTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPromptLength = 10
	client := provider.NewStaticClient(happyScripts())
	e := newTestEnsemble(t, cfg, client)

	env := e.Run(context.Background(), Input{Prompt: "this prompt is far too long", UserID: "u1"})
	assert.Equal(t, SynthesisError, env.Synthesis.Status)
	assert.Equal(t, string(errors.KindInvalidInput), env.Metadata.ErrorKind)
	assert.Zero(t, client.TotalCalls(), "validation failures never fan out")
	assert.Zero(t, e.queue.len(), "validation failures never touch the queue")
}

func TestEmptyPromptRejected(t *testing.T) {
	e := newTestEnsemble(t, testConfig(), provider.NewStaticClient(happyScripts()))
	env := e.Run(context.Background(), Input{Prompt: "", UserID: "u1"})
	assert.Equal(t, string(errors.KindInvalidInput), env.Metadata.ErrorKind)
}

func TestLoadFullyReleased(t *testing.T) {
	scripts := happyScripts()
	scripts["bravo"] = &provider.Script{Err: errors.New(errors.KindProvider5XX, "boom")}
	e := newTestEnsemble(t, testConfig(), provider.NewStaticClient(scripts))

	for i := range 5 {
		prompt := "Question variant with distinct words "
		for range i + 1 {
			prompt += "and some extra padding tokens here "
		}
		_ = e.Run(context.Background(), Input{Prompt: prompt, UserID: "u1"})
	}
	assert.Zero(t, e.TotalLoad(), "every reservation must be released")
}

func TestAuthFailureNotRetried(t *testing.T) {
	scripts := happyScripts()
	scripts["alpha"] = &provider.Script{Err: errors.New(errors.KindAuth, "bad key")}
	client := provider.NewStaticClient(scripts)
	e := newTestEnsemble(t, testConfig(), client)

	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	assert.Equal(t, 2, env.Metadata.SuccessfulRoles)
	assert.Equal(t, 1, client.Calls("alpha"), "AUTH must not be retried within a request")

	// And it never counted toward alpha's breaker.
	assert.Equal(t, breaker.Closed, e.breakers.State("openai/alpha"))
}

func TestDeadlineCancelsFanOut(t *testing.T) {
	scripts := map[string]*provider.Script{
		"alpha":   {Text: "too slow to matter", Latency: 5 * time.Second},
		"bravo":   {Text: "too slow to matter", Latency: 5 * time.Second},
		"charlie": {Text: "too slow to matter", Latency: 5 * time.Second},
	}
	cfg := testConfig()
	cfg.TimeoutMs = map[string]int{config.TierFree: 100, config.TierPremium: 100}
	client := provider.NewStaticClient(scripts)
	e := newTestEnsemble(t, cfg, client)

	start := time.Now()
	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	assert.Less(t, time.Since(start), 3*time.Second, "deadline must cut the fan-out short")
	assert.Equal(t, SynthesisError, env.Synthesis.Status)
	assert.Equal(t, 0, env.Metadata.SuccessfulRoles)

	calls := client.TotalCalls()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, calls, client.TotalCalls(), "no new calls after the deadline")
	assert.Zero(t, e.TotalLoad())
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueue = 1
	cfg.MaxConcurrentRequests = map[string]int{config.TierFree: 1, config.TierPremium: 1}
	scripts := map[string]*provider.Script{
		"alpha":   {Text: "slow answer for queue test", Latency: 300 * time.Millisecond},
		"bravo":   {Text: "slow answer for queue test", Latency: 300 * time.Millisecond},
		"charlie": {Text: "slow answer for queue test", Latency: 300 * time.Millisecond},
	}
	e := newTestEnsemble(t, cfg, provider.NewStaticClient(scripts))

	results := make(chan *Envelope, 8)
	for i := range 8 {
		go func(i int) {
			results <- e.Run(context.Background(), Input{
				Prompt: "distinct slow prompt number padding words",
				UserID: "u" + string(rune('a'+i)),
			})
		}(i)
	}

	sawQueueFull := false
	for range 8 {
		env := <-results
		if env.Metadata.ErrorKind == string(errors.KindQueueFull) {
			sawQueueFull = true
		}
	}
	assert.True(t, sawQueueFull, "a 1-slot queue under 8 concurrent requests must refuse some")
}

func TestFreeTierRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerHourFree = 2
	client := provider.NewStaticClient(happyScripts())
	e := newTestEnsemble(t, cfg, client)

	_ = e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "limited"})
	_ = e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "limited"})
	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "limited"})
	assert.Equal(t, string(errors.KindRateExceeded), env.Metadata.ErrorKind)

	// Premium tier bypasses the limiter.
	env = e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "limited", Tier: config.TierPremium})
	assert.NotEqual(t, string(errors.KindRateExceeded), env.Metadata.ErrorKind)
}

func TestRequestLevelRetryRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 1
	cfg.Call.MaxAttempts = 1
	scripts := map[string]*provider.Script{
		"alpha":   {Text: "recovered answer with plenty of words", Confidence: 0.8, Err: errors.New(errors.KindProvider5XX, "cold start"), FailFirst: 1},
		"bravo":   {Text: "recovered answer with plenty of words", Confidence: 0.8, Err: errors.New(errors.KindProvider5XX, "cold start"), FailFirst: 1},
		"charlie": {Text: "recovered answer with plenty of words", Confidence: 0.8, Err: errors.New(errors.KindProvider5XX, "cold start"), FailFirst: 1},
	}
	e := newTestEnsemble(t, cfg, provider.NewStaticClient(scripts))

	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	assert.Equal(t, 3, env.Metadata.SuccessfulRoles, "request retry should recover from a transient total failure")
}

func TestSynthesizerErrorFallsBack(t *testing.T) {
	client := provider.NewStaticClient(happyScripts())
	e := newTestEnsemble(t, testConfig(), client, WithSynthesizer(failingSynth{}))

	env := e.Run(context.Background(), Input{Prompt: "Define entropy.", UserID: "u1"})
	assert.Equal(t, SynthesisFallback, env.Synthesis.Status)
	assert.NotEmpty(t, env.Synthesis.FallbackReason)
	assert.NotEmpty(t, env.Synthesis.Content)
}

type failingSynth struct{}

func (failingSynth) Synthesize(ctx context.Context, prompt string, results []role.Result) (*synth.Output, error) {
	return nil, errors.New(errors.KindProgrammerBug, "synth broke")
}
