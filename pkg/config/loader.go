package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables recognized by the loader. They override file values
// and are in turn overridden by CLI flags.
const (
	EnvLogLevel = "AIPO_LOG_LEVEL"
	EnvSeed     = "AIPO_SEED"
)

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Load .env beside the config file (best effort)
//  2. Read the YAML config file, if present
//  3. Expand {{.VAR}} environment references
//  4. Parse YAML and merge over built-in defaults
//  5. Apply AIPO_* environment overrides
//  6. Validate
func Initialize(ctx context.Context, path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"targets", len(cfg.Targets),
		"default_target", cfg.DefaultTarget,
		"judge", cfg.Judge.Kind)
	return cfg, nil
}

func load(_ context.Context, path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		if _, err := os.Stat("aipo.yaml"); err == nil {
			path = "aipo.yaml"
		} else {
			// No config file: defaults plus env overrides.
			return cfg, nil
		}
	}

	// Load .env beside the config file so {{.VAR}} references and
	// api_key_env lookups resolve in local development.
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	fileCfg := &Config{}
	if err := yaml.Unmarshal(data, fileCfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// File values override defaults; mergo keeps defaults where the file is
	// silent.
	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("failed to merge config: %w", err))
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvSeed); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = seed
		} else {
			slog.Warn("Ignoring invalid seed override", "env", EnvSeed, "value", v, "error", err)
		}
	}
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
