package adapter

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/models"
)

// retrying retries Invoke on transient, rate-limit, and timeout failures
// with jittered exponential backoff. Auth and protocol failures surface
// immediately.
type retrying struct {
	Adapter
	maxRetries int
}

// WithRetries wraps a with up to maxRetries additional attempts per call.
func WithRetries(a Adapter, maxRetries int) Adapter {
	if maxRetries <= 0 {
		return a
	}
	return &retrying{Adapter: a, maxRetries: maxRetries}
}

func (r *retrying) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0 // attempts bound the loop, not wall time

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.maxRetries)), ctx)

	var resp *models.ModelResponse
	operation := func() error {
		var err error
		resp, err = r.Adapter.Invoke(ctx, prompt, params)
		if err == nil {
			return nil
		}
		if errclass.Retryable(err) {
			slog.Debug("Retrying target invocation",
				"adapter", r.Name(),
				"category", errclass.Classify(err),
				"error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}
