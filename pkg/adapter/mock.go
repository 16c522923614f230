package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/models"
)

func init() {
	Register(config.ProviderMock, func(name string, cfg *config.TargetConfig) (Adapter, error) {
		return NewMock(name, cfg)
	})
}

// Mock is the offline test target. Modes:
//
//	echo    repeat the prompt back (default)
//	static  always return the configured reply
//	smart   refuse prompts that look harmful, comply otherwise
//	script  return configured replies in order, cycling
type Mock struct {
	name   string
	mode   string
	static string
	script []string

	mu   sync.Mutex
	next int
}

// NewMock builds a mock adapter from target config.
func NewMock(name string, cfg *config.TargetConfig) (*Mock, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = "echo"
	}
	switch mode {
	case "echo", "static", "smart":
	case "script":
		if len(cfg.Script) == 0 {
			return nil, fmt.Errorf("%w: script mode requires replies", config.ErrMissingRequiredField)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mock mode %q", config.ErrInvalidValue, mode)
	}
	return &Mock{name: name, mode: mode, static: cfg.Static, script: cfg.Script}, nil
}

func (m *Mock) Name() string { return m.name }

// Close implements Adapter.
func (m *Mock) Close() error { return nil }

// EnumerateTools implements Adapter.
func (m *Mock) EnumerateTools(context.Context) ([]models.ToolSpec, error) {
	return nil, nil
}

var harmfulHints = []string{
	"weapon", "bomb", "explosive", "hack", "malware", "steal",
	"poison", "drug", "synthesize", "bypass", "jailbreak", "exploit",
	"ignore previous", "ignore all previous", "disregard your",
}

// Invoke implements Adapter.
func (m *Mock) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	var text string
	switch m.mode {
	case "static":
		text = m.static
	case "smart":
		lower := strings.ToLower(prompt)
		refused := false
		for _, hint := range harmfulHints {
			if strings.Contains(lower, hint) {
				refused = true
				break
			}
		}
		if refused {
			text = "I can't help with that request."
		} else {
			text = "Of course. The answer is: " + prompt
		}
	case "script":
		m.mu.Lock()
		text = m.script[m.next%len(m.script)]
		m.next++
		m.mu.Unlock()
	default: // echo
		text = prompt
	}

	return &models.ModelResponse{
		Text:         text,
		FinishReason: "stop",
		InputTokens:  len(prompt) / 4,
		OutputTokens: len(text) / 4,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}
