package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rds "crawlengine/internal/platform/redis"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := rds.New(rds.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return New(svc, cfg), mr
}

func TestAcquireWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Second, Budget: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "https://example.com", Reject))
	}
	err := l.Acquire(ctx, "https://example.com", Reject)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestAcquireDefer(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Second, Budget: 1})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "https://example.com", Defer))
	err := l.Acquire(ctx, "https://example.com", Defer)
	assert.ErrorIs(t, err, ErrDeferred)
}

func TestScopesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Second, Budget: 1})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "https://a.com", Reject))
	require.NoError(t, l.Acquire(ctx, "https://b.com", Reject))
	assert.ErrorIs(t, l.Acquire(ctx, "https://a.com", Reject), ErrBudgetExhausted)
}

func TestPerScopeOverride(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Window:  time.Second,
		Budget:  1,
		Budgets: map[string]int{"https://fast.com": 5},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx, "https://fast.com", Reject))
	}
	assert.ErrorIs(t, l.Acquire(ctx, "https://fast.com", Reject), ErrBudgetExhausted)
}

func TestBudgetHoldsUnderConcurrency(t *testing.T) {
	const budget = 5
	const workers = 40
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Budget: budget})
	ctx := context.Background()

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, "https://example.com", Reject); err == nil {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, budget, atomic.LoadInt64(&granted))
}

func TestWindowResetsBudget(t *testing.T) {
	l, mr := newTestLimiter(t, Config{Window: time.Second, Budget: 1})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "https://example.com", Reject))
	require.ErrorIs(t, l.Acquire(ctx, "https://example.com", Reject), ErrBudgetExhausted)

	mr.FastForward(2 * time.Second)
	require.NoError(t, l.Acquire(ctx, "https://example.com", Reject))
}

func TestBlockWaitsForNextWindow(t *testing.T) {
	l, mr := newTestLimiter(t, Config{Window: 50 * time.Millisecond, Budget: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, l.Acquire(ctx, "https://example.com", Block))

	// Advance the clock while the second acquire is blocked on the
	// window TTL.
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "https://example.com", Block) }()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
				mr.FastForward(100 * time.Millisecond)
			}
		}
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("blocked acquire never completed")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Hour, Budget: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Acquire(ctx, "https://example.com", Block))

	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "https://example.com", Block) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
}
