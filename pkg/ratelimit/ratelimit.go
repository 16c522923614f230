// Package ratelimit throttles provider traffic with adaptive token buckets.
// Each target gets a request bucket with an optional per-acquisition jitter
// window and an optional tokens-per-minute bucket; the TPM budget shrinks
// multiplicatively when the provider signals rate limiting and recovers
// additively on success. A shared bucket can be chained in front of every
// target so cross-target budgets hold.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aipo-project/aipo/pkg/errclass"
)

// Acquirer is the limiter surface adapters and the orchestrator consume.
type Acquirer interface {
	// Acquire blocks until the budgets admit a call weighing estTokens, or
	// ctx is done.
	Acquire(ctx context.Context, estTokens int) error
	// Observe feeds the call's outcome back for adaptive throttling.
	Observe(err error)
}

// Limiter throttles a single provider endpoint.
type Limiter struct {
	mu sync.Mutex

	requests *rate.Limiter // nil when RPM is unlimited
	tokens   *rate.Limiter // nil when TPM is unlimited
	jitter   time.Duration // per-acquisition random delay window

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewBucket builds a request-only limiter with an explicit per-second rate,
// burst capacity, and jitter window. Every Acquire sleeps a uniform random
// duration in [0, jitter) before drawing from the bucket. rps <= 0 disables
// the bucket.
func NewBucket(rps float64, burst int, jitter time.Duration) *Limiter {
	l := &Limiter{jitter: jitter}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		l.requests = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return l
}

// New builds a limiter with per-minute budgets. rpm <= 0 disables the
// request bucket; tpm <= 0 disables the token bucket.
func New(rpm int, tpm float64) *Limiter {
	l := NewBucket(float64(rpm)/60.0, rpm, 0)
	if tpm > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(tpm/60.0), int(tpm))
		l.currentTPM = tpm
		l.maxTPM = tpm
		l.minTPM = tpm * 0.1
		if l.minTPM < 1 {
			l.minTPM = 1
		}
		l.recoveryRate = tpm * 0.05
		if l.recoveryRate < 1 {
			l.recoveryRate = 1
		}
	}
	return l
}

// Acquire blocks until one request slot and estTokens token budget are
// available, or ctx is done. estTokens <= 0 acquires a minimal weight. The
// jitter delay, when configured, runs before any bucket wait.
func (l *Limiter) Acquire(ctx context.Context, estTokens int) error {
	if l.jitter > 0 {
		if wait := time.Duration(rand.Int63n(int64(l.jitter))); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("rate limiter wait: %w", ctx.Err())
			}
		}
	}
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	if l.tokens != nil {
		if estTokens < 1 {
			estTokens = 1
		}
		l.mu.Lock()
		burst := l.tokens.Burst()
		l.mu.Unlock()
		if estTokens > burst {
			estTokens = burst
		}
		if err := l.tokens.WaitN(ctx, estTokens); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	return nil
}

// Observe feeds the outcome of a provider call back into the limiter:
// rate-limit errors halve the token budget, successes recover it one step.
func (l *Limiter) Observe(err error) {
	if l.tokens == nil {
		return
	}
	if err == nil {
		l.adjust(func(cur float64) float64 { return cur + l.recoveryRate })
		return
	}
	if errclass.Classify(err) == errclass.CategoryRateLimit {
		l.adjust(func(cur float64) float64 { return cur * 0.5 })
	}
}

// TPM returns the current tokens-per-minute budget, 0 when unlimited.
func (l *Limiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (l *Limiter) adjust(next func(float64) float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tpm := next(l.currentTPM)
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.tokens.SetLimit(rate.Limit(tpm / 60.0))
	l.tokens.SetBurst(int(tpm))
}

// EstimateTokens is a cheap character-count heuristic for limiter weights:
// roughly one token per three characters plus a fixed buffer for system
// prompts and provider framing.
func EstimateTokens(prompt string, history int) int {
	tokens := len(prompt) / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500 + history*200
}

// Global chains a shared cross-target limiter with a per-target one. Both
// budgets must admit the call before the transport sees it; the shared
// bucket is drawn first.
type Global struct {
	shared *Limiter
	target *Limiter
}

// Compose builds the chain. Either limiter may be nil.
func Compose(shared, target *Limiter) *Global {
	return &Global{shared: shared, target: target}
}

// Acquire implements Acquirer.
func (g *Global) Acquire(ctx context.Context, estTokens int) error {
	if g.shared != nil {
		if err := g.shared.Acquire(ctx, estTokens); err != nil {
			return err
		}
	}
	if g.target != nil {
		return g.target.Acquire(ctx, estTokens)
	}
	return nil
}

// Observe implements Acquirer, feeding the outcome to both buckets.
func (g *Global) Observe(err error) {
	if g.shared != nil {
		g.shared.Observe(err)
	}
	if g.target != nil {
		g.target.Observe(err)
	}
}

// Registry holds one limiter per target key (provider or provider/model),
// plus an optional shared bucket spanning every target.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	shared   *Limiter

	defaultRPM int
	defaultTPM float64
}

// NewRegistry builds a registry with default budgets applied to targets
// without explicit configuration.
func NewRegistry(defaultRPM int, defaultTPM float64) *Registry {
	return &Registry{
		limiters:   make(map[string]*Limiter),
		defaultRPM: defaultRPM,
		defaultTPM: defaultTPM,
	}
}

// For returns the limiter for key, creating it with the default budgets on
// first use.
func (r *Registry) For(key string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := New(r.defaultRPM, r.defaultTPM)
	r.limiters[key] = l
	return l
}

// Configure installs a limiter with explicit budgets and jitter window for
// key, replacing any default-constructed one.
func (r *Registry) Configure(key string, rpm int, tpm float64, jitter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := New(rpm, tpm)
	l.jitter = jitter
	r.limiters[key] = l
}

// ConfigureGlobal installs the shared cross-target bucket. rpm and tpm <= 0
// leave the corresponding budget unlimited.
func (r *Registry) ConfigureGlobal(rpm int, tpm float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared = New(rpm, tpm)
}

// Composite returns the limiter chain for key: the shared bucket, when one
// is configured, in front of the per-target bucket.
func (r *Registry) Composite(key string) *Global {
	r.mu.Lock()
	shared := r.shared
	r.mu.Unlock()
	return Compose(shared, r.For(key))
}
