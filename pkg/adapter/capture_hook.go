package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aipo-project/aipo/pkg/capture"
	"github.com/aipo-project/aipo/pkg/models"
)

// WithCapture publishes every invocation to the traffic capture queue as a
// synthetic HTTP exchange. Provider wire details stay inside the SDKs; the
// capture records the provider-neutral request and response the engine saw.
func WithCapture(a Adapter, c *capture.Capture, endpoint string) Adapter {
	if c == nil {
		return a
	}
	return &captured{Adapter: a, capture: c, endpoint: endpoint}
}

type captured struct {
	Adapter
	capture  *capture.Capture
	endpoint string
}

func (c *captured) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	start := time.Now()
	resp, err := c.Adapter.Invoke(ctx, prompt, params)
	elapsed := time.Since(start)

	reqBody, _ := json.Marshal(map[string]any{
		"model":  params.Model,
		"prompt": prompt,
	})
	ev := capture.Event{
		Method:      "POST",
		URL:         c.endpoint,
		RequestBody: reqBody,
		Start:       start.UTC(),
		Duration:    elapsed,
	}
	if err != nil {
		ev.Status = 0
		ev.StatusText = err.Error()
	} else {
		ev.Status = 200
		ev.StatusText = "OK"
		respBody, _ := json.Marshal(resp)
		ev.ResponseBody = respBody
	}
	c.capture.Record(ev)
	return resp, err
}
