package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crawlengine/internal/logger"
	rds "crawlengine/internal/platform/redis"
)

// Behavior selects what happens when a scope's budget is exhausted.
type Behavior int

const (
	// Block waits for the window to roll over, then retries.
	Block Behavior = iota
	// Reject returns ErrBudgetExhausted immediately.
	Reject
	// Defer returns ErrDeferred so the caller can requeue the job.
	Defer
)

var (
	ErrBudgetExhausted = errors.New("rate budget exhausted")
	ErrDeferred        = errors.New("rate budget exhausted, job deferred")
)

// Config holds the shared-window budget settings.
type Config struct {
	Window  time.Duration
	Budget  int
	Budgets map[string]int // per-scope overrides
}

// Limiter enforces per-scope token budgets with Redis fixed windows,
// atomic across all worker processes. A local per-scope rate.Limiter
// smooths bursts inside a single process on top of the shared window.
type Limiter struct {
	redis *rds.Service
	cfg   Config
	log   *logger.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func New(redis *rds.Service, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 10
	}
	return &Limiter{
		redis: redis,
		cfg:   cfg,
		log:   logger.New("RateLimiter"),
		local: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) budgetFor(scope string) int {
	if b, ok := l.cfg.Budgets[scope]; ok && b > 0 {
		return b
	}
	return l.cfg.Budget
}

// Acquire takes one token for a scope, applying the selected behavior on
// exhaustion. Safe under arbitrarily many workers: the window counter is a
// single atomic Redis step.
func (l *Limiter) Acquire(ctx context.Context, scope string, behavior Behavior) error {
	if behavior == Block {
		if err := l.smooth(ctx, scope); err != nil {
			return err
		}
	}
	for {
		key := "ratelimit:" + scope
		n, err := l.redis.WindowIncr(ctx, key, l.cfg.Window)
		if err != nil {
			return err
		}
		if n <= int64(l.budgetFor(scope)) {
			return nil
		}

		switch behavior {
		case Reject:
			return ErrBudgetExhausted
		case Defer:
			return ErrDeferred
		}

		wait, err := l.redis.WindowTTL(ctx, key)
		if err != nil {
			return err
		}
		if wait <= 0 {
			wait = l.cfg.Window
		}
		l.log.LogDebugf("scope %s exhausted, blocking %s", scope, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// smooth spreads a scope's budget evenly inside the process so a worker
// burst does not consume the whole shared window at once.
func (l *Limiter) smooth(ctx context.Context, scope string) error {
	budget := l.budgetFor(scope)
	l.mu.Lock()
	lim, ok := l.local[scope]
	if !ok {
		perSec := float64(budget) / l.cfg.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSec), budget)
		l.local[scope] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}
