package voting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/neurastack/ensemble/internal/errors"
	"github.com/neurastack/ensemble/internal/provider"
	"github.com/neurastack/ensemble/internal/role"
)

// metaResponseTruncate bounds each candidate response shown to the judge.
const metaResponseTruncate = 1500

// MetaVoterConfig tunes the AI judge.
type MetaVoterConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// DefaultMetaVoterConfig returns the production defaults.
func DefaultMetaVoterConfig() MetaVoterConfig {
	return MetaVoterConfig{
		Model:     "gpt-4o-mini",
		MaxTokens: 400,
		Timeout:   10 * time.Second,
	}
}

// MetaVoteResult is the judge's strict-JSON verdict.
type MetaVoteResult struct {
	Winner     string             `json:"winner"`
	Confidence float64            `json:"confidence"`
	Ranking    []string           `json:"ranking"`
	Reasoning  string             `json:"reasoning"`
	Scores     map[string]float64 `json:"scores"`
	Strengths  map[string]string  `json:"strengths"`
	Weaknesses map[string]string  `json:"weaknesses"`
}

// MetaVoter asks a fixed evaluator model to judge tied responses.
type MetaVoter struct {
	cfg    MetaVoterConfig
	client provider.Client
}

// NewMetaVoter creates a meta voter over the given client.
func NewMetaVoter(cfg MetaVoterConfig, client provider.Client) *MetaVoter {
	def := DefaultMetaVoterConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &MetaVoter{cfg: cfg, client: client}
}

const metaSystemPrompt = `You are an impartial judge comparing answers from different AI models.
Reply with a single JSON object and nothing else, using exactly these fields:
{"winner": "<role>", "confidence": <0..1>, "ranking": ["<role>", ...], "reasoning": "<short>", "scores": {"<role>": <0..1>}, "strengths": {"<role>": "<short>"}, "weaknesses": {"<role>": "<short>"}}`

// Vote judges the candidates. The verdict is parsed strictly: any schema
// violation is an error, and the caller falls back to the pre-meta result.
func (m *MetaVoter) Vote(ctx context.Context, prompt string, candidates []role.Result) (*MetaVoteResult, error) {
	if len(candidates) == 0 {
		return nil, errors.New(errors.KindInvalidInput, "meta vote: no candidates")
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "User prompt:\n%s\n\nCandidate responses:\n", prompt)
	for _, c := range candidates {
		content := c.Content
		if len(content) > metaResponseTruncate {
			content = content[:metaResponseTruncate] + "..."
		}
		fmt.Fprintf(&sb, "\n[%s]\n%s\n", c.Role, content)
	}

	resp, err := m.client.Call(ctx, provider.Request{
		Model:       m.cfg.Model,
		System:      metaSystemPrompt,
		User:        sb.String(),
		MaxTokens:   m.cfg.MaxTokens,
		Temperature: m.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	verdict, err := parseMetaVerdict(resp.Text, candidates)
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// parseMetaVerdict validates the judge output against the strict schema.
func parseMetaVerdict(raw string, candidates []role.Result) (*MetaVoteResult, error) {
	// Tolerate judges that wrap the object in a code fence, nothing more.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var verdict MetaVoteResult
	if err := sonic.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, errors.Wrap(errors.KindInvalidPayload, "meta vote: malformed verdict", err)
	}
	if verdict.Winner == "" {
		return nil, errors.New(errors.KindInvalidPayload, "meta vote: missing winner")
	}
	known := false
	for _, c := range candidates {
		if c.Role == verdict.Winner {
			known = true
			break
		}
	}
	if !known {
		return nil, errors.Newf(errors.KindInvalidPayload, "meta vote: unknown winner %q", verdict.Winner)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, errors.Newf(errors.KindInvalidPayload, "meta vote: confidence %v out of range", verdict.Confidence)
	}
	return &verdict, nil
}
