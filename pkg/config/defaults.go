package config

import (
	"runtime"
	"time"
)

// Default runner and orchestration settings.
const (
	DefaultMaxRetries   = 2
	DefaultGrace        = Duration(5 * time.Second)
	DefaultMaxTurns     = 6
	DefaultStrategy     = "repeat"
	DefaultReduce       = "any"
	DefaultCaptureQueue = 256
	DefaultRPM          = 60
	DefaultTPM          = 90000
)

// DefaultConcurrency returns the worker count used when none is configured:
// min(8, 4*NumCPU).
func DefaultConcurrency() int {
	n := 4 * runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultConfig returns the built-in configuration merged under file and
// environment values.
func DefaultConfig() *Config {
	earlyStop := true
	return &Config{
		Targets: map[string]*TargetConfig{},
		Judge: JudgeConfig{
			Kind: JudgeKeyword,
		},
		Runner: RunnerConfig{
			MaxRetries: DefaultMaxRetries,
			Grace:      DefaultGrace,
		},
		Orchestration: OrchestrationConfig{
			Strategy:  DefaultStrategy,
			MaxTurns:  DefaultMaxTurns,
			EarlyStop: &earlyStop,
			Reduce:    DefaultReduce,
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: DefaultRPM,
			DefaultTPM: DefaultTPM,
		},
		Capture: CaptureConfig{
			QueueSize: DefaultCaptureQueue,
		},
		LogLevel: "info",
	}
}
