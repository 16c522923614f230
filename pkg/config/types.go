// Package config loads and validates the evaluator configuration: target
// adapters, judges, runner limits, caching, orchestration, and cost
// overrides. Values resolve with CLI flags beating AIPO_* environment
// variables, which beat the config file, which beats built-in defaults.
package config

import (
	"github.com/aipo-project/aipo/pkg/costs"
)

// Config is the fully resolved evaluator configuration.
type Config struct {
	// Targets maps target names to adapter specifications. The runner
	// invokes DefaultTarget unless a run selects another by name.
	Targets       map[string]*TargetConfig `yaml:"targets"`
	DefaultTarget string                   `yaml:"default_target"`

	Judge         JudgeConfig         `yaml:"judge"`
	Runner        RunnerConfig        `yaml:"runner"`
	Cache         CacheConfig         `yaml:"cache"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	RateLimits    RateLimitConfig     `yaml:"rate_limits"`
	Capture       CaptureConfig       `yaml:"capture"`

	// Costs overrides and extends the built-in pricing table.
	Costs map[string]costs.Pricing `yaml:"costs"`

	LogLevel string `yaml:"log_level"`
	Seed     int64  `yaml:"seed"`
	// SampleRate stratified-samples each suite category at this rate.
	// 0 or 1 runs everything.
	SampleRate float64 `yaml:"sample_rate"`
}

// Provider identifies an adapter implementation.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderBedrock   Provider = "bedrock"
	ProviderHTTP      Provider = "http"
	ProviderWebSocket Provider = "websocket"
	ProviderStdio     Provider = "stdio"
	ProviderMCP       Provider = "mcp"
	ProviderMock      Provider = "mock"
)

// TargetConfig describes one model endpoint under evaluation. Secrets are
// referenced by environment variable name only; the file never holds key
// material.
type TargetConfig struct {
	Provider Provider `yaml:"provider"`
	Model    string   `yaml:"model"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible proxies,
	// the generic HTTP adapter, and the WebSocket adapter).
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	Region    string `yaml:"region,omitempty"` // bedrock

	// Command launches stdio and MCP targets as subprocesses.
	Command []string `yaml:"command,omitempty"`

	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	System      string  `yaml:"system,omitempty"`

	Timeout Duration `yaml:"timeout,omitempty"`

	// RPM and TPM override the default rate budgets for this target;
	// JitterMS overrides the default per-acquisition jitter window.
	RPM      int     `yaml:"rpm,omitempty"`
	TPM      float64 `yaml:"tpm,omitempty"`
	JitterMS int     `yaml:"jitter_ms,omitempty"`

	// Serialize forces one in-flight request at a time, for targets that
	// cannot handle concurrent calls (stdio subprocesses, some proxies).
	Serialize bool `yaml:"serialize,omitempty"`

	// Mock adapter settings.
	Mode   string   `yaml:"mode,omitempty"`   // echo|static|smart|script
	Static string   `yaml:"static,omitempty"` // static mode reply
	Script []string `yaml:"script,omitempty"` // script mode replies, in order
}

// JudgeKind selects the scoring implementation.
type JudgeKind string

const (
	JudgeKeyword    JudgeKind = "keyword"
	JudgeLLM        JudgeKind = "llm"
	JudgeClassifier JudgeKind = "classifier"
	JudgeEnsemble   JudgeKind = "ensemble"
)

// JudgeConfig configures response scoring.
type JudgeConfig struct {
	Kind JudgeKind `yaml:"kind"`

	// Target names the judge model for llm and classifier judges.
	Target string `yaml:"target,omitempty"`

	// Threshold is the 0-10 score at or above which a response counts as a
	// successful attack. Zero means the policy default.
	Threshold float64 `yaml:"threshold,omitempty"`

	// Weights holds per-member voting weights for ensemble judges, keyed
	// by member kind.
	Weights map[string]float64 `yaml:"weights,omitempty"`
}

// RunnerConfig bounds suite execution.
type RunnerConfig struct {
	// Concurrency is the worker count. Zero means min(8, 4*NumCPU).
	Concurrency int `yaml:"concurrency,omitempty"`
	MaxRetries  int `yaml:"max_retries,omitempty"`

	BudgetUSD    float64  `yaml:"budget_usd,omitempty"`
	BudgetWall   Duration `yaml:"budget_wall,omitempty"`
	BudgetTokens int64    `yaml:"budget_tokens,omitempty"`

	// Grace is how long in-flight work gets to finish after cancellation.
	Grace Duration `yaml:"grace,omitempty"`

	// Denominator selects the ASR denominator policy: "strict" counts
	// error results, "lenient" excludes them. Empty means strict.
	Denominator string `yaml:"denominator,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
	// Policy is "current" (default) or "all"; see cache.VersionPolicy.
	Policy string `yaml:"policy,omitempty"`
	// TTLs maps method tags to lifetimes.
	TTLs map[string]Duration `yaml:"ttls,omitempty"`
}

// OrchestrationConfig configures multi-turn conversations.
type OrchestrationConfig struct {
	// Strategy is repeat, escalate, or inject.
	Strategy string `yaml:"strategy,omitempty"`
	// MaxTurns bounds each conversation; per-case turn_budget metadata
	// overrides it.
	MaxTurns int `yaml:"max_turns,omitempty"`
	// EarlyStop ends the conversation at the first jailbroken turn.
	EarlyStop *bool `yaml:"early_stop,omitempty"`
	// Reduce folds per-turn scores into one verdict: any, majority, final.
	Reduce string `yaml:"reduce,omitempty"`
	// MemoryPath locates the conversation database.
	MemoryPath string `yaml:"memory_path,omitempty"`
}

// RateLimitConfig sets default rate budgets for targets without their own,
// plus an optional shared budget spanning every target in a run.
type RateLimitConfig struct {
	DefaultRPM int     `yaml:"default_rpm,omitempty"`
	DefaultTPM float64 `yaml:"default_tpm,omitempty"`

	// GlobalRPM and GlobalTPM cap combined traffic across targets and the
	// judge model. Zero disables the shared bucket.
	GlobalRPM int     `yaml:"global_rpm,omitempty"`
	GlobalTPM float64 `yaml:"global_tpm,omitempty"`

	// JitterMS adds a uniform random delay in [0, jitter_ms) milliseconds
	// before every acquisition.
	JitterMS int `yaml:"jitter_ms,omitempty"`
}

// CaptureConfig configures HTTP traffic capture.
type CaptureConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	// QueueSize bounds the capture queue; entries drop oldest-first when
	// the writer falls behind.
	QueueSize int `yaml:"queue_size,omitempty"`
}

// CacheEnabled reports the effective cache toggle (default on).
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// Target returns the named target, or the default when name is empty.
func (c *Config) Target(name string) (*TargetConfig, bool) {
	if name == "" {
		name = c.DefaultTarget
	}
	t, ok := c.Targets[name]
	return t, ok
}
