package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/ratelimit"
)

func TestParseMaxRate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantRPM int
		wantErr bool
	}{
		{name: "per second", input: "2/sec", wantRPM: 120},
		{name: "per second short", input: "5/s", wantRPM: 300},
		{name: "per minute", input: "30/min", wantRPM: 30},
		{name: "per minute short", input: "10/m", wantRPM: 10},
		{name: "whitespace tolerated", input: " 3 / sec ", wantRPM: 180},
		{name: "missing unit", input: "30", wantErr: true},
		{name: "unknown unit", input: "30/hour", wantErr: true},
		{name: "zero count", input: "0/sec", wantErr: true},
		{name: "negative count", input: "-1/min", wantErr: true},
		{name: "not a number", input: "fast/sec", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpm, err := parseMaxRate(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRPM, rpm)
		})
	}
}

func TestParseDelayRange(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLo  time.Duration
		wantHi  time.Duration
		wantErr bool
	}{
		{name: "whole seconds", input: "1-3", wantLo: time.Second, wantHi: 3 * time.Second},
		{name: "fractional", input: "0.5-1.5", wantLo: 500 * time.Millisecond, wantHi: 1500 * time.Millisecond},
		{name: "zero lower bound", input: "0-2", wantLo: 0, wantHi: 2 * time.Second},
		{name: "no separator", input: "3", wantErr: true},
		{name: "inverted range", input: "3-1", wantErr: true},
		{name: "negative lower", input: "-1-3", wantErr: true},
		{name: "garbage", input: "a-b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, err := parseDelayRange(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLo, lo)
			assert.Equal(t, tt.wantHi, hi)
		})
	}
}

func TestBuildJudge(t *testing.T) {
	t.Run("keyword by default", func(t *testing.T) {
		cfg := config.DefaultConfig()
		j, judgeAdapter, err := buildJudge(cfg, "", nil)
		require.NoError(t, err)
		assert.Equal(t, "keyword", j.Name())
		assert.Nil(t, judgeAdapter)
	})

	t.Run("llm needs a judge target", func(t *testing.T) {
		cfg := config.DefaultConfig()
		_, _, err := buildJudge(cfg, "llm", nil)
		assert.ErrorIs(t, err, config.ErrMissingRequiredField)
	})

	t.Run("llm judge target must exist", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Judge.Target = "no-such-target"
		_, _, err := buildJudge(cfg, "llm", nil)
		assert.ErrorIs(t, err, config.ErrTargetNotFound)
	})

	t.Run("ensemble without llm member is keyword only", func(t *testing.T) {
		cfg := config.DefaultConfig()
		j, judgeAdapter, err := buildJudge(cfg, "ensemble", nil)
		require.NoError(t, err)
		assert.Equal(t, "ensemble", j.Name())
		assert.Nil(t, judgeAdapter)
	})

	t.Run("unknown kind", func(t *testing.T) {
		cfg := config.DefaultConfig()
		_, _, err := buildJudge(cfg, "vibes", nil)
		assert.ErrorIs(t, err, config.ErrInvalidValue)
	})

	t.Run("llm judge transport is rate limited", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Judge.Target = "grader"
		cfg.Targets["grader"] = &config.TargetConfig{Provider: config.ProviderMock, Mode: "echo", RPM: 1}

		limits := ratelimit.NewRegistry(cfg.RateLimits.DefaultRPM, cfg.RateLimits.DefaultTPM)
		_, judgeAdapter, err := buildJudge(cfg, "llm", limits)
		require.NoError(t, err)
		require.NotNil(t, judgeAdapter)
		defer judgeAdapter.Close()

		// The single-request budget admits the first call and blocks the
		// second until the context gives up.
		_, err = judgeAdapter.Invoke(context.Background(), "first", models.InvokeParams{})
		require.NoError(t, err)

		short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = judgeAdapter.Invoke(short, "second", models.InvokeParams{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestBuildDetectors(t *testing.T) {
	t.Run("empty policy yields none", func(t *testing.T) {
		detectors, err := buildDetectors(&models.Policy{})
		require.NoError(t, err)
		assert.Empty(t, detectors)
	})

	t.Run("full policy wires all three", func(t *testing.T) {
		policy := &models.Policy{
			ContentRules: []models.ContentRule{
				{ID: "r1", Severity: models.SeverityHigh, Keywords: []string{"secret"}},
			},
			Tools:        &models.ToolPolicy{Allow: []string{"search"}},
			PIIDetection: true,
		}
		detectors, err := buildDetectors(policy)
		require.NoError(t, err)
		assert.Len(t, detectors, 3)
	})

	t.Run("bad rule pattern fails", func(t *testing.T) {
		policy := &models.Policy{
			ContentRules: []models.ContentRule{
				{ID: "r1", Severity: models.SeverityHigh, Pattern: "(unclosed"},
			},
		}
		_, err := buildDetectors(policy)
		assert.Error(t, err)
	})
}

func TestLoadPolicy_EmptyPath(t *testing.T) {
	policy, hash, err := loadPolicy("")
	require.NoError(t, err)
	assert.Empty(t, hash)
	assert.InDelta(t, 8.0, policy.EffectiveJudgeThreshold(), 1e-9)
}

func TestCaptureEndpoint(t *testing.T) {
	assert.Equal(t, "https://proxy.local/v1", captureEndpoint(&config.TargetConfig{
		Provider: config.ProviderOpenAI,
		BaseURL:  "https://proxy.local/v1",
	}))
	assert.Equal(t, "openai://gpt-4o-mini", captureEndpoint(&config.TargetConfig{
		Provider: config.ProviderOpenAI,
		Model:    "gpt-4o-mini",
	}))
}
