// Package config defines the runtime configuration, its defaults, and
// loading from a JSON file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/neurastack/ensemble/internal/provider"
)

// Tier names.
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// Config is the root runtime configuration.
type Config struct {
	// MaxConcurrentRequests bounds dispatched requests per tier.
	MaxConcurrentRequests map[string]int `json:"max_concurrent_requests"`
	// TimeoutMs is the default request deadline per tier.
	TimeoutMs map[string]int `json:"timeout_ms"`
	// RetryAttempts bounds request-level re-enqueues.
	RetryAttempts int `json:"retry_attempts"`
	// RetryDelayMs is the base request-level backoff.
	RetryDelayMs int `json:"retry_delay_ms"`
	// MaxPromptLength bounds accepted prompts.
	MaxPromptLength int `json:"max_prompt_length"`
	// MaxQueue bounds the admission queue.
	MaxQueue int `json:"max_queue"`
	// RateLimitPerHourFree is the free-tier per-user allowance.
	RateLimitPerHourFree int `json:"rate_limit_per_hour_free"`
	// FanOut is the number of models selected per request.
	FanOut int `json:"fan_out"`
	// ContextMaxTokens bounds memory-context retrieval.
	ContextMaxTokens int `json:"context_max_tokens"`

	Cache     CacheConfig     `json:"cache"`
	Breaker   BreakerConfig   `json:"breaker"`
	Call      CallConfig      `json:"call"`
	Router    RouterConfig    `json:"router"`
	MetaVoter MetaVoterConfig `json:"meta_voter"`
	Voting    VotingConfig    `json:"voting"`
	Log       LogConfig       `json:"log"`

	// Models is the registry of available models.
	Models []provider.Descriptor `json:"models"`
}

// CacheConfig mirrors cache.Config in file form.
type CacheConfig struct {
	MaxCacheSize         int     `json:"max_cache_size"`
	SimilarityThreshold  float64 `json:"similarity_threshold"`
	QualityThreshold     float64 `json:"quality_threshold"`
	CompressionThreshold int     `json:"compression_threshold"`
	UserPatternWindow    int     `json:"user_pattern_window"`
	HighQualityTTLSec    int     `json:"high_quality_ttl_sec"`
	MediumQualityTTLSec  int     `json:"medium_quality_ttl_sec"`
	LowQualityTTLSec     int     `json:"low_quality_ttl_sec"`
	RedisAddr            string  `json:"redis_addr"`
}

// BreakerConfig tunes per-model circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32 `json:"failure_threshold"`
	ResetTimeoutMs   int    `json:"reset_timeout_ms"`
}

// CallConfig tunes the per-call retry loop.
type CallConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMs int `json:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms"`
}

// RouterConfig tunes model selection.
type RouterConfig struct {
	MaxLoad           int      `json:"max_load"`
	PremiumCostBudget float64  `json:"premium_cost_budget"`
	FreeCostBudget    float64  `json:"free_cost_budget"`
	Fallback          []string `json:"fallback"`
}

// MetaVoterConfig tunes the AI judge.
type MetaVoterConfig struct {
	Enabled     bool    `json:"enabled"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TimeoutMs   int     `json:"timeout_ms"`

	Trigger struct {
		MaxWeightDifference  float64 `json:"max_weight_difference"`
		MinConsensusStrength string  `json:"min_consensus_strength"`
	} `json:"trigger"`
}

// VotingConfig tunes tie-breaking and abstention.
type VotingConfig struct {
	TieMargin        float64 `json:"tie_margin"`
	AbstainThreshold float64 `json:"abstain_threshold"`
	MaxRequery       int     `json:"max_requery"`
}

// LogConfig tunes the process logger.
type LogConfig struct {
	File  string `json:"file"`
	Debug bool   `json:"debug"`
}

// Default returns the full default configuration, including a small
// built-in model table used by the CLI and tests. Deployments override the
// registry from their config file.
func Default() *Config {
	return &Config{
		MaxConcurrentRequests: map[string]int{
			TierFree:    4,
			TierPremium: 10,
		},
		TimeoutMs: map[string]int{
			TierFree:    30000,
			TierPremium: 45000,
		},
		RetryAttempts:        2,
		RetryDelayMs:         500,
		MaxPromptLength:      8000,
		MaxQueue:             150,
		RateLimitPerHourFree: 750,
		FanOut:               3,
		ContextMaxTokens:     1024,
		Cache: CacheConfig{
			MaxCacheSize:         1000,
			SimilarityThreshold:  0.85,
			QualityThreshold:     0.6,
			CompressionThreshold: 4096,
			UserPatternWindow:    20,
			HighQualityTTLSec:    21600,
			MediumQualityTTLSec:  7200,
			LowQualityTTLSec:     1800,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			ResetTimeoutMs:   30000,
		},
		Call: CallConfig{
			MaxAttempts: 3,
			BaseDelayMs: 500,
			MaxDelayMs:  10000,
		},
		Router: RouterConfig{
			MaxLoad:           10,
			PremiumCostBudget: 1e-3,
			FreeCostBudget:    3e-4,
			Fallback:          []string{"gpt-4o-mini", "gemini-flash", "claude-haiku"},
		},
		MetaVoter: MetaVoterConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 400,
			TimeoutMs: 10000,
		},
		Voting: VotingConfig{
			TieMargin:        0.02,
			AbstainThreshold: 0.3,
			MaxRequery:       3,
		},
		Models: []provider.Descriptor{
			{
				Name:                "gpt-4o-mini",
				Provider:            "openai",
				CostPerKToken:       1.5e-4,
				Speed:               provider.SpeedFast,
				Quality:             provider.QualityStandard,
				Specialties:         []string{"general", "conversational"},
				MaxTokens:           16384,
				BaselineReliability: 0.95,
			},
			{
				Name:                "gemini-flash",
				Provider:            "gemini",
				CostPerKToken:       1e-4,
				Speed:               provider.SpeedFast,
				Quality:             provider.QualityStandard,
				Specialties:         []string{"general", "factual"},
				MaxTokens:           8192,
				BaselineReliability: 0.93,
			},
			{
				Name:                "claude-haiku",
				Provider:            "anthropic",
				CostPerKToken:       2.5e-4,
				Speed:               provider.SpeedFast,
				Quality:             provider.QualityStandard,
				Specialties:         []string{"general", "analytical", "technical"},
				MaxTokens:           8192,
				BaselineReliability: 0.96,
			},
		},
	}
}

// Load reads the JSON config at path over the defaults, then applies
// environment overrides. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := sonic.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENSEMBLE_MAX_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxQueue = n
		}
	}
	if v := os.Getenv("ENSEMBLE_MAX_PROMPT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPromptLength = n
		}
	}
	if v := os.Getenv("ENSEMBLE_RATE_LIMIT_FREE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitPerHourFree = n
		}
	}
	if v := os.Getenv("ENSEMBLE_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("ENSEMBLE_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("ENSEMBLE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.Debug = b
		}
	}
}

// Validate rejects configurations the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.MaxQueue <= 0 {
		return fmt.Errorf("config: max_queue must be positive")
	}
	if c.MaxPromptLength <= 0 {
		return fmt.Errorf("config: max_prompt_length must be positive")
	}
	if c.FanOut <= 0 {
		return fmt.Errorf("config: fan_out must be positive")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one model is required")
	}
	for _, m := range c.Models {
		if m.Name == "" || m.Provider == "" {
			return fmt.Errorf("config: model entries need name and provider")
		}
		if m.BaselineReliability < 0 || m.BaselineReliability > 1 {
			return fmt.Errorf("config: model %s: baseline_reliability out of range", m.Name)
		}
	}
	for tier, n := range c.MaxConcurrentRequests {
		if n <= 0 {
			return fmt.Errorf("config: max_concurrent_requests[%s] must be positive", tier)
		}
	}
	return nil
}

// Timeout returns the request deadline for a tier.
func (c *Config) Timeout(tier string) time.Duration {
	if ms, ok := c.TimeoutMs[tier]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 30 * time.Second
}

// MaxConcurrent returns the dispatch bound for a tier.
func (c *Config) MaxConcurrent(tier string) int {
	if n, ok := c.MaxConcurrentRequests[tier]; ok && n > 0 {
		return n
	}
	return 4
}
