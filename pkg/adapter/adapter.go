// Package adapter connects the evaluator to model endpoints. Every provider
// implements the same small contract; the registry builds adapters from
// target configuration, and wrappers layer on retries and serialization
// without the providers knowing.
package adapter

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/models"
)

// Adapter is one model endpoint under evaluation.
type Adapter interface {
	// Invoke sends a prompt (with optional conversation history in params)
	// and returns the provider-neutral response. Implementations classify
	// failures by wrapping errclass sentinels.
	Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error)
	// EnumerateTools lists the tools the target exposes. Targets without
	// tools return an empty slice.
	EnumerateTools(ctx context.Context) ([]models.ToolSpec, error)
	// Name identifies the adapter in logs and reports.
	Name() string
	// Close releases connections and subprocesses.
	Close() error
}

// Factory builds an adapter from target configuration.
type Factory func(name string, cfg *config.TargetConfig) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[config.Provider]Factory{}
)

// Register installs a factory for a provider. Called from init functions of
// the provider files; later registrations replace earlier ones.
func Register(p config.Provider, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p] = f
}

// New builds the adapter for a target, wrapped with the target's serialize
// setting. Unknown providers fail.
func New(name string, cfg *config.TargetConfig) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for provider %q", config.ErrInvalidValue, cfg.Provider)
	}

	a, err := factory(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter %q: %w", cfg.Provider, name, err)
	}
	if cfg.Serialize {
		a = Serialize(a)
	}
	return a, nil
}

// apiKey resolves the target's API key from the configured environment
// variable name. The config file never holds key material.
func apiKey(cfg *config.TargetConfig) (string, error) {
	if cfg.APIKeyEnv == "" {
		return "", fmt.Errorf("%w: no api_key_env configured", errclass.ErrAuth)
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%w: environment variable %s is empty", errclass.ErrAuth, cfg.APIKeyEnv)
	}
	return key, nil
}

// serialized forces one in-flight call at a time, for targets that cannot
// handle concurrency (stdio subprocesses, fragile proxies).
type serialized struct {
	Adapter
	mu sync.Mutex
}

// Serialize wraps a so that calls never overlap.
func Serialize(a Adapter) Adapter {
	return &serialized{Adapter: a}
}

func (s *serialized) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Adapter.Invoke(ctx, prompt, params)
}

func (s *serialized) EnumerateTools(ctx context.Context) ([]models.ToolSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Adapter.EnumerateTools(ctx)
}
