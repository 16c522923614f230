package adapter

import (
	"context"

	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/ratelimit"
)

// WithRateLimit gates every invocation on the limiter and feeds the outcome
// back for adaptive throttling. A canceled or failed wait returns before the
// transport is touched.
func WithRateLimit(a Adapter, rl ratelimit.Acquirer) Adapter {
	if rl == nil {
		return a
	}
	return &rateLimited{Adapter: a, rl: rl}
}

type rateLimited struct {
	Adapter
	rl ratelimit.Acquirer
}

func (r *rateLimited) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	if err := r.rl.Acquire(ctx, ratelimit.EstimateTokens(prompt, len(params.History))); err != nil {
		return nil, err
	}
	resp, err := r.Adapter.Invoke(ctx, prompt, params)
	r.rl.Observe(err)
	return resp, err
}
