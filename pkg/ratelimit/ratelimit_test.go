package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipo-project/aipo/pkg/errclass"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := New(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(ctx, 1000))
	}
}

func TestLimiter_AcquireRespectsContext(t *testing.T) {
	// 1 request per minute with burst 1: second acquire must block.
	l := New(1, 0)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, 0))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(short, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_ObserveBackoffAndRecovery(t *testing.T) {
	l := New(0, 60000)
	require.Equal(t, 60000.0, l.TPM())

	l.Observe(errclass.Wrap(errclass.ErrRateLimited, "429"))
	assert.Equal(t, 30000.0, l.TPM())

	l.Observe(errclass.Wrap(errclass.ErrRateLimited, "429"))
	assert.Equal(t, 15000.0, l.TPM())

	// Success recovers one additive step (5% of initial).
	l.Observe(nil)
	assert.Equal(t, 18000.0, l.TPM())

	// Non-rate-limit errors leave the budget alone.
	l.Observe(errclass.Wrap(errclass.ErrTransient, "reset"))
	assert.Equal(t, 18000.0, l.TPM())
}

func TestLimiter_BackoffFloorAndCeiling(t *testing.T) {
	l := New(0, 1000)

	for i := 0; i < 20; i++ {
		l.Observe(errclass.Wrap(errclass.ErrRateLimited, "429"))
	}
	assert.Equal(t, 100.0, l.TPM()) // floor is 10% of initial

	for i := 0; i < 100; i++ {
		l.Observe(nil)
	}
	assert.Equal(t, 1000.0, l.TPM()) // never exceeds initial budget
}

func TestLimiter_WeightClampedToBurst(t *testing.T) {
	l := New(0, 600)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Weight larger than the burst must not error or deadlock.
	require.NoError(t, l.Acquire(ctx, 100000))
}

func TestNewBucket_ThroughputMatchesRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	// 10 per second with burst 10: 100 concurrent acquisitions drain the
	// burst instantly and the remaining 90 pace at the refill rate, so the
	// last one completes after about 9 seconds.
	l := NewBucket(10, 10, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	errs := make(chan error, 100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(ctx, 0)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 8900*time.Millisecond)
}

func TestNewBucket_JitterDelaysAcquisitions(t *testing.T) {
	// Jitter only, no bucket: 50 acquisitions with a 10ms window sum to
	// roughly 250ms of sleep. The bounds leave room for scheduler noise.
	l := NewBucket(0, 0, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Acquire(ctx, 0))
	}
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestNewBucket_CancelDuringJitterWait(t *testing.T) {
	l := NewBucket(1000, 1, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 501, EstimateTokens("", 0))
	assert.Equal(t, 500+100, EstimateTokens(string(make([]byte, 300)), 0))
	assert.Equal(t, 500+100+400, EstimateTokens(string(make([]byte, 300)), 2))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(60, 60000)

	a := r.For("openai/gpt-4o")
	b := r.For("openai/gpt-4o")
	c := r.For("anthropic/claude")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	r.Configure("openai/gpt-4o", 10, 1000, 0)
	assert.NotSame(t, a, r.For("openai/gpt-4o"))
	assert.Equal(t, 1000.0, r.For("openai/gpt-4o").TPM())
}

func TestGlobal_SharedBudgetSpansTargets(t *testing.T) {
	r := NewRegistry(0, 0)
	r.ConfigureGlobal(1, 0) // one request per minute across every target

	a := r.Composite("target-a")
	b := r.Composite("target-b")

	require.NoError(t, a.Acquire(context.Background(), 0))

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Acquire(short, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGlobal_ObserveFeedsBothBuckets(t *testing.T) {
	r := NewRegistry(0, 60000)
	r.ConfigureGlobal(0, 60000)

	g := r.Composite("t")
	g.Observe(errclass.Wrap(errclass.ErrRateLimited, "429"))

	assert.Equal(t, 30000.0, g.shared.TPM())
	assert.Equal(t, 30000.0, g.target.TPM())
}

func TestCompose_NilLimitersAreUnlimited(t *testing.T) {
	g := Compose(nil, nil)
	require.NoError(t, g.Acquire(context.Background(), 100))
	g.Observe(nil)
}
