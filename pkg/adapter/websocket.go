package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/models"
)

func init() {
	Register(config.ProviderWebSocket, newWebSocket)
}

// wsRequest is one invocation frame sent to a websocket target.
type wsRequest struct {
	Prompt      string        `json:"prompt"`
	Model       string        `json:"model,omitempty"`
	System      string        `json:"system,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	History     []models.Turn `json:"history,omitempty"`
}

// wsResponse is the reply frame.
type wsResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

// WebSocket drives a target over a persistent websocket connection with one
// JSON request frame per invocation and one reply frame back. Frames never
// interleave; the connection carries one exchange at a time.
type WebSocket struct {
	name    string
	url     string
	header  http.Header
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWebSocket(name string, cfg *config.TargetConfig) (Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: websocket target needs base_url", config.ErrMissingRequiredField)
	}
	header := http.Header{}
	if key, err := apiKey(cfg); err == nil {
		header.Set("Authorization", "Bearer "+key)
	} else if cfg.APIKeyEnv != "" {
		return nil, err
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WebSocket{name: name, url: cfg.BaseURL, header: header, timeout: timeout}, nil
}

func (w *WebSocket) Name() string { return w.name }

// Close implements Adapter.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// EnumerateTools implements Adapter.
func (w *WebSocket) EnumerateTools(context.Context) ([]models.ToolSpec, error) {
	return nil, nil
}

// connect dials on first use and after failures. Caller holds w.mu.
func (w *WebSocket) connect(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		if resp != nil {
			if mapped := errclass.FromHTTPStatus(resp.StatusCode, err.Error()); mapped != nil {
				return mapped
			}
		}
		return errclass.Wrap(errclass.ErrTransient, "dialing %s: %v", w.url, err)
	}
	w.conn = conn
	return nil
}

// Invoke implements Adapter.
func (w *WebSocket) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.connect(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	req := wsRequest{
		Prompt:      prompt,
		Model:       params.Model,
		System:      params.System,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		History:     params.History,
	}
	w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteJSON(req); err != nil {
		w.reset()
		return nil, errclass.Wrap(errclass.ErrTransient, "writing frame: %v", err)
	}

	var reply wsResponse
	w.conn.SetReadDeadline(deadline)
	if err := w.conn.ReadJSON(&reply); err != nil {
		w.reset()
		if websocket.IsUnexpectedCloseError(err) {
			return nil, errclass.Wrap(errclass.ErrTransient, "connection closed: %v", err)
		}
		return nil, errclass.Wrap(errclass.ErrTimeout, "reading frame: %v", err)
	}
	if reply.Error != "" {
		return nil, errclass.Wrap(errclass.ErrProtocol, "target error: %s", reply.Error)
	}

	return &models.ModelResponse{
		Text:         reply.Text,
		FinishReason: reply.FinishReason,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}

// reset drops a broken connection so the next call redials. Caller holds w.mu.
func (w *WebSocket) reset() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
