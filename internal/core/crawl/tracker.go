package crawl

import (
	"context"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	"crawlengine/internal/logger"
	rds "crawlengine/internal/platform/redis"
)

const (
	crawlStateTTL = 24 * time.Hour
	// archiveTTL keeps a finished crawl's auxiliary Redis state around
	// for inspection before it expires.
	archiveTTL = time.Hour
)

// Outcome is a job's terminal result as seen by the tracker.
type Outcome struct {
	Success bool
}

// CompleteFunc fires exactly once when a crawl is declared complete.
type CompleteFunc func(ctx context.Context, crawlID string)

// Tracker owns completion detection. The active counter is shared across
// all worker processes and mutated only by atomic Redis increments and
// decrements; the completed flag is a compare-and-swap so the completion
// event has a single winner even when decrements race to zero.
type Tracker struct {
	redis       *rds.Service
	settleDelay time.Duration
	onComplete  CompleteFunc
	log         *logger.Logger
}

func NewTracker(redis *rds.Service, settleDelay time.Duration) *Tracker {
	if settleDelay <= 0 {
		settleDelay = 500 * time.Millisecond
	}
	return &Tracker{
		redis:       redis,
		settleDelay: settleDelay,
		log:         logger.New("CrawlTracker"),
	}
}

// SetCompleteFunc wires the completion hook. Must be set before workers run.
func (t *Tracker) SetCompleteFunc(fn CompleteFunc) { t.onComplete = fn }

func activeKey(id string) string    { return "crawl:" + id + ":active" }
func completedKey(id string) string { return "crawl:" + id + ":completed" }
func configKey(id string) string    { return "crawl:" + id + ":config" }
func successKey(id string) string   { return "crawl:" + id + ":success" }
func failedKey(id string) string    { return "crawl:" + id + ":failed" }
func degradedKey(id string) string  { return "crawl:" + id + ":degraded" }

// Begin registers the crawl so any worker process can load its config and
// initializes the active counter. The counter init is a SETNX so a
// redelivered kickoff cannot reset counts jobs have already accumulated.
func (t *Tracker) Begin(ctx context.Context, c *Crawl) error {
	if err := t.redis.CacheSet(ctx, configKey(c.ID), c, crawlStateTTL); err != nil {
		return fmt.Errorf("register crawl %s: %w", c.ID, err)
	}
	if err := t.redis.Client().SetNX(ctx, activeKey(c.ID), 0, crawlStateTTL).Err(); err != nil {
		return err
	}
	t.log.LogInfof("crawl %s registered for %s", c.ID, c.BaseURL)
	return nil
}

// GetCrawl loads a registered crawl from shared state.
func (t *Tracker) GetCrawl(ctx context.Context, id string) (*Crawl, error) {
	var c Crawl
	if err := t.redis.CacheGet(ctx, configKey(id), &c); err != nil {
		if err == redisv8.Nil {
			return nil, fmt.Errorf("crawl not found: %s", id)
		}
		return nil, err
	}
	return &c, nil
}

// OnEnqueue increments the active counter. Callers must do this before the
// job becomes dequeuable or completion could be observed prematurely.
func (t *Tracker) OnEnqueue(ctx context.Context, crawlID string) error {
	_, err := t.redis.Incr(ctx, activeKey(crawlID))
	return err
}

// CancelEnqueue compensates an increment whose enqueue failed, keeping
// the enqueue/decrement round trip balanced.
func (t *Tracker) CancelEnqueue(ctx context.Context, crawlID string) error {
	_, err := t.redis.Decr(ctx, activeKey(crawlID))
	return err
}

// OnTerminal decrements the active counter for one terminal job and runs
// completion detection when it reaches zero. Exactly one decrement per
// increment: callers gate on the queue's idempotent terminal write.
func (t *Tracker) OnTerminal(ctx context.Context, crawlID string, outcome Outcome) error {
	if outcome.Success {
		if _, err := t.redis.Incr(ctx, successKey(crawlID)); err != nil {
			return err
		}
	} else {
		if _, err := t.redis.Incr(ctx, failedKey(crawlID)); err != nil {
			return err
		}
	}

	n, err := t.redis.Decr(ctx, activeKey(crawlID))
	if err != nil {
		return err
	}
	if n < 0 {
		// Unmatched decrement would break the invariant; repair and flag it.
		t.log.LogErrorf("crawl %s active counter went negative (%d)", crawlID, n)
		_, _ = t.redis.Incr(ctx, activeKey(crawlID))
		return nil
	}
	if n > 0 {
		return nil
	}
	return t.tryComplete(ctx, crawlID)
}

// tryComplete re-checks the counter after a settle delay to absorb
// increments that were still propagating, then CASes the completed flag.
func (t *Tracker) tryComplete(ctx context.Context, crawlID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.settleDelay):
	}

	n, err := t.redis.GetInt(ctx, activeKey(crawlID))
	if err != nil {
		return err
	}
	if n != 0 {
		return nil
	}

	won, err := t.redis.SetFlag(ctx, completedKey(crawlID), crawlStateTTL)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	t.log.LogInfof("crawl %s complete", crawlID)
	if t.onComplete != nil {
		t.onComplete(ctx, crawlID)
	}
	return nil
}

// IsCompleted reports whether the completion flag has been set.
func (t *Tracker) IsCompleted(ctx context.Context, crawlID string) (bool, error) {
	n, err := t.redis.Client().Exists(ctx, completedKey(crawlID)).Result()
	return n > 0, err
}

// MarkDegraded flags a crawl whose results could not all be persisted.
func (t *Tracker) MarkDegraded(ctx context.Context, crawlID string) error {
	_, err := t.redis.SetFlag(ctx, degradedKey(crawlID), crawlStateTTL)
	return err
}

// IsDegraded reports whether any persistence retries were exhausted.
func (t *Tracker) IsDegraded(ctx context.Context, crawlID string) (bool, error) {
	n, err := t.redis.Client().Exists(ctx, degradedKey(crawlID)).Result()
	return n > 0, err
}

// GetCounts reads the crawl's live counters.
func (t *Tracker) GetCounts(ctx context.Context, crawlID string) (Counts, error) {
	active, err := t.redis.GetInt(ctx, activeKey(crawlID))
	if err != nil {
		return Counts{}, err
	}
	success, err := t.redis.GetInt(ctx, successKey(crawlID))
	if err != nil {
		return Counts{}, err
	}
	failed, err := t.redis.GetInt(ctx, failedKey(crawlID))
	if err != nil {
		return Counts{}, err
	}
	return Counts{Active: active, Success: success, Failed: failed}, nil
}

// Archive expires the crawl's counters and flags rather than deleting them.
func (t *Tracker) Archive(ctx context.Context, crawlID string) error {
	for _, key := range []string{
		activeKey(crawlID), completedKey(crawlID), configKey(crawlID),
		successKey(crawlID), failedKey(crawlID), degradedKey(crawlID),
	} {
		if err := t.redis.Expire(ctx, key, archiveTTL); err != nil {
			return err
		}
	}
	return nil
}
