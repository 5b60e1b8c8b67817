package ensemble

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neurastack/ensemble/internal/errors"
	"github.com/neurastack/ensemble/internal/observe"
	"github.com/neurastack/ensemble/internal/provider"
	"github.com/neurastack/ensemble/internal/pubsub"
	"github.com/neurastack/ensemble/internal/role"
	"github.com/neurastack/ensemble/internal/router"
	"github.com/neurastack/ensemble/internal/synth"
	"github.com/neurastack/ensemble/internal/voting"
)

// cachedPayload is the envelope fragment stored in the semantic cache.
type cachedPayload struct {
	Synthesis Synthesis      `json:"synthesis"`
	Roles     []role.Result  `json:"roles"`
	Voting    *voting.Result `json:"voting,omitempty"`
}

// process runs one dequeued request end to end and delivers at most one
// envelope: none when the caller gave up while the request was queued, or
// when the request is re-queued for a request-level retry (the retried run
// delivers). Every exit path releases the loads reserved for the request.
func (e *Ensemble) process(req *request) {
	start := time.Now()
	elapsedMs := func() int64 { return time.Since(start).Milliseconds() }

	// A panic must still produce an envelope: the caller is blocked on it.
	defer func() {
		if r := recover(); r != nil {
			e.observer.Log(observe.LevelError, "request panicked", map[string]any{
				"panic": r,
			}, req.correlationID)
			e.metrics.RequestDone("panic", req.tier, time.Since(start).Seconds())
			e.deliver(req, errorEnvelope(errors.KindProgrammerBug, req.correlationID, req.tier, elapsedMs(), nil))
		}
	}()

	if req.ctx.Err() != nil {
		// The caller gave up while the request was queued; nobody is
		// listening anymore.
		e.metrics.RequestDone("cancelled", req.tier, time.Since(start).Seconds())
		return
	}

	e.events.Publish(pubsub.DispatchedEvent, EventPayload{CorrelationID: req.correlationID, Tier: req.tier})

	// Cache probe.
	if hit, ok := e.cache.Get(req.ctx, req.prompt, req.userID, req.tier); ok {
		var payload cachedPayload
		if err := hit.Entry.Decode(&payload); err == nil {
			e.metrics.CacheLookup(string(hit.Layer))
			e.metrics.RequestDone("cache_hit", req.tier, time.Since(start).Seconds())
			e.observer.Log(observe.LevelDebug, "cache hit", map[string]any{
				"layer": string(hit.Layer),
			}, req.correlationID)
			e.deliver(req, &Envelope{
				Synthesis: payload.Synthesis,
				Roles:     payload.Roles,
				Voting:    payload.Voting,
				Metadata: Metadata{
					CorrelationID:     req.correlationID,
					TotalProcessingMs: elapsedMs(),
					SuccessfulRoles:   len(role.Successes(payload.Roles)),
					TotalRoles:        len(payload.Roles),
					Cached:            true,
					CacheLayer:        string(hit.Layer),
					Tier:              req.tier,
				},
			})
			return
		}
	}
	e.metrics.CacheLookup("miss")

	// Context retrieval is best-effort; failures degrade to no context.
	effective := req.prompt
	if memCtx, err := e.memory.GetContext(req.ctx, req.userID, req.sessionID, e.cfg.ContextMaxTokens); err == nil && memCtx != "" {
		effective = memCtx + "\n\n" + req.prompt
	}

	selected, err := e.router.Select(req.prompt, req.tier, e.cfg.FanOut)
	if err != nil {
		e.observer.Log(observe.LevelError, "router selection failed", map[string]any{
			"error": err.Error(),
		}, req.correlationID)
		e.metrics.RequestDone("all_failed", req.tier, time.Since(start).Seconds())
		e.deliver(req, errorEnvelope(errors.KindOf(err), req.correlationID, req.tier, elapsedMs(), nil))
		return
	}

	// Release every reservation exactly once, on every exit path.
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		for _, s := range selected {
			e.router.Release(s.Model)
		}
	}
	defer release()

	attemptCtx, cancel := context.WithTimeout(req.ctx, e.cfg.Timeout(req.tier))
	defer cancel()

	results := e.fanOut(attemptCtx, req, selected, effective)

	// Fold outcomes into the runtime state before the envelope becomes
	// visible to the caller.
	for _, r := range results {
		m, ok := e.byName[r.Model]
		if !ok {
			continue
		}
		if r.Status == role.Fulfilled {
			e.states.RecordSuccess(m.Key(), time.Duration(r.LatencyMs)*time.Millisecond, r.Confidence, false)
		} else if r.ErrorKind != errors.KindCancelled && r.ErrorKind != errors.KindBreakerOpen {
			e.states.RecordFailure(m.Key(), time.Duration(r.LatencyMs)*time.Millisecond)
		}
		e.metrics.RoleOutcome(r.Model, string(r.Status))
	}

	successes := role.Successes(results)
	if len(successes) == 0 {
		if e.shouldRetryRequest(req, results) {
			release()
			e.requeueWithBackoff(req)
			return
		}
		e.metrics.RequestDone("all_failed", req.tier, time.Since(start).Seconds())
		kind := aggregateFailureKind(results)
		env := errorEnvelope(kind, req.correlationID, req.tier, elapsedMs(), results)
		env.Metadata.Error = "all models failed"
		e.deliver(req, env)
		return
	}

	voteRes := e.voting.Vote(attemptCtx, voting.Input{
		Prompt:        req.prompt,
		CorrelationID: req.correlationID,
		Results:       results,
	})
	e.events.Publish(pubsub.VotedEvent, EventPayload{
		CorrelationID: req.correlationID,
		Tier:          req.tier,
		Detail:        string(voteRes.Consensus),
	})
	if req.explain {
		e.observer.Log(observe.LevelInfo, "vote detail", map[string]any{
			"winner":    voteRes.Winner,
			"consensus": string(voteRes.Consensus),
			"features":  voteRes.FeaturesUsed,
		}, req.correlationID)
	}
	if voteRes.Abstention != nil && voteRes.Abstention.ShouldAbstain {
		e.events.Publish(pubsub.AbstainedEvent, EventPayload{
			CorrelationID: req.correlationID,
			Tier:          req.tier,
			Detail:        voteRes.Abstention.Strategy,
		})
	}

	synthesis, validation := e.synthesize(attemptCtx, effective, successes)
	e.events.Publish(pubsub.SynthesizedEvent, EventPayload{CorrelationID: req.correlationID, Tier: req.tier})

	quality := qualityScore(len(synthesis.Content), synthesis.Confidence, validation, voteRes.Consensus, float64(len(successes))/float64(len(results)))

	// Cache and memory writes are best-effort.
	_ = e.cache.Put(req.ctx, req.prompt, req.userID, req.tier, cachedPayload{
		Synthesis: synthesis,
		Roles:     results,
		Voting:    voteRes,
	}, quality)
	if _, err := e.memory.Store(req.ctx, req.userID, req.sessionID, synthesis.Content, false, quality, synthesis.Model); err != nil {
		e.observer.Log(observe.LevelDebug, "memory store failed", map[string]any{
			"error": err.Error(),
		}, req.correlationID)
	}

	e.metrics.RequestDone("ok", req.tier, time.Since(start).Seconds())
	e.events.Publish(pubsub.CompletedEvent, EventPayload{CorrelationID: req.correlationID, Tier: req.tier})

	e.deliver(req, &Envelope{
		Synthesis: synthesis,
		Roles:     results,
		Voting:    voteRes,
		Metadata: Metadata{
			CorrelationID:     req.correlationID,
			TotalProcessingMs: elapsedMs(),
			SuccessfulRoles:   len(successes),
			TotalRoles:        len(results),
			Tier:              req.tier,
		},
	})
}

// fanOut launches one task per selected model and joins them with settled
// semantics: every task publishes a result, fulfilled or rejected, and no
// failure aborts its siblings.
func (e *Ensemble) fanOut(ctx context.Context, req *request, selected []router.Scored, prompt string) []role.Result {
	results := make([]role.Result, len(selected))
	g := new(errgroup.Group)
	for i, s := range selected {
		g.Go(func() error {
			results[i] = e.callModel(ctx, s.Model, prompt)
			e.events.Publish(pubsub.RoleSettledEvent, EventPayload{
				CorrelationID: req.correlationID,
				Tier:          req.tier,
				Detail:        results[i].Role,
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// callModel wraps one provider call in the retry loop around the model's
// circuit breaker.
func (e *Ensemble) callModel(ctx context.Context, m provider.Descriptor, prompt string) role.Result {
	start := time.Now()
	maxTokens := provider.DefaultMaxTokens
	if m.MaxTokens > 0 && m.MaxTokens < maxTokens {
		maxTokens = m.MaxTokens
	}

	// Invalid payloads get a single retry; everything else follows the
	// kind taxonomy.
	invalidPayloads := 0
	classifier := func(err error) bool {
		kind := errors.KindOf(err)
		if kind == errors.KindInvalidPayload {
			invalidPayloads++
			return invalidPayloads <= 1
		}
		return kind.Retryable()
	}

	var resp *provider.Response
	err := e.retries.ExecuteWith(ctx, classifier, func(ctx context.Context) error {
		return e.breakers.Execute(m.Key(), func() error {
			r, err := e.client.Call(ctx, provider.Request{
				Model:     m.Name,
				User:      prompt,
				MaxTokens: maxTokens,
			})
			if err != nil {
				return err
			}
			if r == nil || r.Text == "" {
				return errors.New(errors.KindInvalidPayload, "empty completion").WithModel(m.Provider, m.Name)
			}
			resp = r
			return nil
		})
	})

	latency := time.Since(start).Milliseconds()
	if err != nil {
		return role.Result{
			Role:      m.Name,
			Provider:  m.Provider,
			Model:     m.Name,
			Status:    role.Rejected,
			LatencyMs: latency,
			ErrorKind: errors.KindOf(err),
		}
	}

	confidence := resp.Confidence
	if confidence <= 0 {
		confidence = 0.7
	}
	if resp.LatencyMs > 0 {
		latency = resp.LatencyMs
	}
	return role.Result{
		Role:       m.Name,
		Provider:   m.Provider,
		Model:      m.Name,
		Status:     role.Fulfilled,
		Content:    resp.Text,
		WordCount:  wordCount(resp.Text),
		LatencyMs:  latency,
		Confidence: confidence,
	}
}

// synthesize runs the synthesizer, falling back to passthrough or
// concatenation when it fails. The second return is the validation score
// feeding the quality formula.
func (e *Ensemble) synthesize(ctx context.Context, prompt string, successes []role.Result) (Synthesis, float64) {
	out, err := e.synth.Synthesize(ctx, prompt, successes)
	if err == nil && out != nil {
		return Synthesis{
			Content:    out.Content,
			Status:     SynthesisOK,
			Model:      "ensemble",
			Confidence: out.Confidence,
		}, out.Validation
	}

	fallback, reason := synth.Fallback(successes)
	if fallback == nil {
		return Synthesis{Status: SynthesisError, Model: "ensemble"}, 0
	}
	return Synthesis{
		Content:        fallback.Content,
		Status:         SynthesisFallback,
		Model:          "ensemble",
		Confidence:     fallback.Confidence,
		FallbackReason: reason,
	}, 0.4
}

func (e *Ensemble) deliver(req *request, env *Envelope) {
	select {
	case req.result <- env:
	default:
		// The result channel is buffered and written once per request;
		// a full buffer means a duplicate delivery bug upstream.
		e.observer.Log(observe.LevelError, "duplicate envelope delivery", nil, req.correlationID)
	}
}

// shouldRetryRequest decides request-level re-admission after total
// fan-out failure.
func (e *Ensemble) shouldRetryRequest(req *request, results []role.Result) bool {
	if req.retryCount >= e.cfg.RetryAttempts {
		return false
	}
	if req.ctx.Err() != nil {
		return false
	}
	for _, r := range results {
		if r.ErrorKind.Retryable() {
			return true
		}
	}
	return false
}

// requeueWithBackoff re-admits the request at the queue head after an
// exponential delay.
func (e *Ensemble) requeueWithBackoff(req *request) {
	delay := time.Duration(e.cfg.RetryDelayMs) * time.Millisecond << req.retryCount
	req.retryCount++
	e.observer.Log(observe.LevelInfo, "request retry scheduled", map[string]any{
		"attempt": req.retryCount,
		"delay":   delay.String(),
	}, req.correlationID)
	time.AfterFunc(delay, func() {
		e.queue.pushHead(req)
	})
}

// aggregateFailureKind reduces a fully-rejected result set to one error
// kind for the envelope.
func aggregateFailureKind(results []role.Result) errors.Kind {
	if len(results) == 0 {
		return errors.KindProgrammerBug
	}
	allCancelled := true
	allBreaker := true
	for _, r := range results {
		if r.ErrorKind != errors.KindCancelled {
			allCancelled = false
		}
		if r.ErrorKind != errors.KindBreakerOpen {
			allBreaker = false
		}
	}
	switch {
	case allCancelled:
		return errors.KindCancelled
	case allBreaker:
		return errors.KindBreakerOpen
	default:
		return errors.KindTimeout
	}
}

// qualityScore derives the cache-TTL quality figure from the synthesized
// response and vote outcome, clamped to [0,1].
func qualityScore(contentLen int, synthConfidence, validation float64, consensus voting.Consensus, successRatio float64) float64 {
	score := 0.5
	if contentLen >= 500 && contentLen <= 3000 {
		score += 0.1
	}
	score += synthConfidence * 0.2
	score += validation * 0.2
	switch consensus {
	case voting.ConsensusVeryStrong, voting.ConsensusStrong:
		score += 0.1
	case voting.ConsensusModerate:
		score += 0.05
	}
	score += successRatio * 0.1
	return min(1, max(0, score))
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
