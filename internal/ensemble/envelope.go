package ensemble

import (
	"github.com/neurastack/ensemble/internal/errors"
	"github.com/neurastack/ensemble/internal/role"
	"github.com/neurastack/ensemble/internal/voting"
)

// Synthesis statuses.
const (
	SynthesisOK       = "success"
	SynthesisFallback = "fallback"
	SynthesisError    = "error"
)

// Synthesis is the unified answer section of the envelope.
type Synthesis struct {
	Content        string  `json:"content"`
	Status         string  `json:"status"`
	Model          string  `json:"model"`
	Confidence     float64 `json:"confidence,omitempty"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
}

// Metadata is the diagnostic section of the envelope.
type Metadata struct {
	CorrelationID     string `json:"correlation_id"`
	TotalProcessingMs int64  `json:"total_processing_ms"`
	SuccessfulRoles   int    `json:"successful_roles"`
	TotalRoles        int    `json:"total_roles"`
	Cached            bool   `json:"cached"`
	CacheLayer        string `json:"cache_layer,omitempty"`
	Tier              string `json:"tier"`
	Error             string `json:"error,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
}

// Envelope is the stable response shape. It is always returned: terminal
// failures carry an error synthesis status and populated metadata error,
// never a panic or a bare error.
type Envelope struct {
	Synthesis Synthesis      `json:"synthesis"`
	Roles     []role.Result  `json:"roles"`
	Voting    *voting.Result `json:"voting,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// errorEnvelope builds the terminal-failure envelope with a safe, generic
// message.
func errorEnvelope(kind errors.Kind, correlationID, tier string, elapsedMs int64, roles []role.Result) *Envelope {
	msg := "the ensemble could not produce an answer"
	switch kind {
	case errors.KindInvalidInput:
		msg = "the prompt was rejected by input validation"
	case errors.KindQueueFull:
		msg = "the service is at capacity, try again shortly"
	case errors.KindRateExceeded:
		msg = "the hourly request allowance was exceeded"
	case errors.KindCancelled:
		msg = "the request was cancelled before completion"
	}
	successes := len(role.Successes(roles))
	return &Envelope{
		Synthesis: Synthesis{
			Status:  SynthesisError,
			Content: msg,
		},
		Roles: roles,
		Metadata: Metadata{
			CorrelationID:     correlationID,
			TotalProcessingMs: elapsedMs,
			SuccessfulRoles:   successes,
			TotalRoles:        len(roles),
			Tier:              tier,
			Error:             msg,
			ErrorKind:         string(kind),
		},
	}
}
