package adapter

import (
	"context"
	"math/rand"
	"time"

	"github.com/aipo-project/aipo/pkg/models"
)

// WithDelay inserts a uniform random pause in [min,max] before every
// invocation. Used by stealth runs to avoid burst signatures on the target.
func WithDelay(a Adapter, min, max time.Duration) Adapter {
	if max <= 0 || max < min {
		return a
	}
	return &delayed{Adapter: a, min: min, max: max}
}

type delayed struct {
	Adapter
	min, max time.Duration
}

func (d *delayed) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	wait := d.min
	if span := d.max - d.min; span > 0 {
		wait += time.Duration(rand.Int63n(int64(span) + 1))
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.Adapter.Invoke(ctx, prompt, params)
}
