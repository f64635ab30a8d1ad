package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"crawlengine/internal/logger"
	rds "crawlengine/internal/platform/redis"
)

const (
	pendingKey    = "crawl:jobs:pending"
	processingKey = "crawl:jobs:processing"
	leaseKey      = "crawl:jobs:leases"

	jobTTL  = 24 * time.Hour
	doneTTL = 24 * time.Hour
)

// Kind tags the work a job carries.
type Kind string

const (
	KindPage    Kind = "page"
	KindSitemap Kind = "sitemap"
)

// Status tracks a job through its lifecycle.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusLeased  Status = "leased"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Job is the unit of work: fetch-and-process one URL within one crawl.
type Job struct {
	ID       string `json:"id"`
	CrawlID  string `json:"crawl_id"`
	URL      string `json:"url"`
	Depth    int    `json:"depth"`
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
}

// ExhaustedFunc is invoked when a reclaimed job runs out of attempts, so
// the owner can record the terminal failure and decrement the crawl's
// active counter.
type ExhaustedFunc func(ctx context.Context, job Job)

// Queue is a multi-producer/multi-consumer leased job queue shared by all
// worker processes over Redis. Delivery is at-least-once; consumers make
// terminal writes idempotent via MarkTerminal.
type Queue struct {
	redis        *rds.Service
	leaseTimeout time.Duration
	maxAttempts  int
	onExhausted  ExhaustedFunc
	log          *logger.Logger

	// ids seen on the processing list without a lease on the previous
	// reclaim pass. Touched only by the reclaim loop.
	orphans map[string]struct{}
}

type Config struct {
	LeaseTimeout time.Duration
	MaxAttempts  int
}

func New(redis *rds.Service, cfg Config) *Queue {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Queue{
		redis:        redis,
		leaseTimeout: cfg.LeaseTimeout,
		maxAttempts:  cfg.MaxAttempts,
		log:          logger.New("JobQueue"),
		orphans:      make(map[string]struct{}),
	}
}

// SetExhaustedFunc wires the terminal-failure callback. Must be set before
// the reclaim loop starts.
func (q *Queue) SetExhaustedFunc(fn ExhaustedFunc) { q.onExhausted = fn }

func jobKey(id string) string  { return "crawl:jobs:data:" + id }
func doneKey(id string) string { return "crawl:jobs:done:" + id }

// NewJob builds a queued job with a fresh id.
func NewJob(crawlID, url string, depth int, kind Kind) Job {
	return Job{
		ID:      uuid.New().String(),
		CrawlID: crawlID,
		URL:     url,
		Depth:   depth,
		Kind:    kind,
		Status:  StatusQueued,
	}
}

// Enqueue stores the job and makes it dequeuable. The caller must have
// already incremented the crawl's active counter; the push is the last
// step so the increment is visible before any worker can see the job.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	job.Status = StatusQueued
	if err := q.writeJob(ctx, job); err != nil {
		return err
	}
	if err := q.redis.Client().LPush(ctx, pendingKey, job.ID).Err(); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue leases the next job, blocking up to the poll timeout. Returns
// nil when no work is available.
func (q *Queue) Dequeue(ctx context.Context, poll time.Duration) (*Job, error) {
	id, err := q.redis.Client().BRPopLPush(ctx, pendingKey, processingKey, poll).Result()
	if err == redisv8.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// The lease is recorded before anything else so a crash or error from
	// here on leaves a lease for the reclaimer to expire, never a job
	// stranded on the processing list.
	expiry := float64(time.Now().Add(q.leaseTimeout).Unix())
	if err := q.redis.Client().ZAdd(ctx, leaseKey, &redisv8.Z{Score: expiry, Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("record lease %s: %w", id, err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Data vanished while the id sat in the queue; drop the orphan.
		pipe := q.redis.Client().Pipeline()
		pipe.LRem(ctx, processingKey, 0, id)
		pipe.ZRem(ctx, leaseKey, id)
		_, _ = pipe.Exec(ctx)
		return nil, nil
	}

	job.Status = StatusLeased
	job.Attempts++
	if err := q.writeJob(ctx, *job); err != nil {
		return nil, err
	}
	return job, nil
}

// Renew extends the caller's lease. Workers renew periodically while a job
// is in flight; a silent worker loses the lease at expiry.
func (q *Queue) Renew(ctx context.Context, jobID string) error {
	expiry := float64(time.Now().Add(q.leaseTimeout).Unix())
	return q.redis.Client().ZAddXX(ctx, leaseKey, &redisv8.Z{Score: expiry, Member: jobID}).Err()
}

// Ack releases the lease and removes the job from the processing list.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.redis.Client().Pipeline()
	pipe.LRem(ctx, processingKey, 0, jobID)
	pipe.ZRem(ctx, leaseKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkTerminal records a job's terminal status. Returns true only for the
// first caller per job id, making counter decrements safe under
// redelivery.
func (q *Queue) MarkTerminal(ctx context.Context, job *Job, status Status) (bool, error) {
	won, err := q.redis.SetFlag(ctx, doneKey(job.ID), doneTTL)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	job.Status = status
	if err := q.writeJob(ctx, *job); err != nil {
		return true, err
	}
	return true, q.Ack(ctx, job.ID)
}

// Requeue puts a leased job back on the pending list without charging an
// attempt, used when a rate budget defers the work.
func (q *Queue) Requeue(ctx context.Context, job Job) error {
	job.Status = StatusQueued
	job.Attempts--
	if err := q.writeJob(ctx, job); err != nil {
		return err
	}
	if err := q.Ack(ctx, job.ID); err != nil {
		return err
	}
	return q.redis.Client().LPush(ctx, pendingKey, job.ID).Err()
}

// Release returns a leased job to the pending list keeping its attempt
// count, used for transient failures with attempts remaining.
func (q *Queue) Release(ctx context.Context, job Job) error {
	job.Status = StatusQueued
	if err := q.writeJob(ctx, job); err != nil {
		return err
	}
	if err := q.Ack(ctx, job.ID); err != nil {
		return err
	}
	return q.redis.Client().LPush(ctx, pendingKey, job.ID).Err()
}

// Get loads a job record.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := q.redis.CacheGet(ctx, jobKey(id), &job)
	if err == redisv8.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// PendingCount reports jobs sitting on the shared pending list. Completion
// detection does not need it: the active counter covers queued and leased
// jobs because every enqueue increments before the push.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.redis.Client().LLen(ctx, pendingKey).Result()
}

func (q *Queue) writeJob(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.redis.Client().Set(ctx, jobKey(job.ID), b, jobTTL).Err()
}

// ReclaimExpired requeues jobs whose lease has lapsed, up to the attempt
// bound; exhausted jobs go terminal-failure through the callback so the
// crawl's counter still reaches zero after a worker crash. Safe under
// concurrent reclaimers: ZRem count arbitrates a single winner per job.
// It also sweeps processing entries with no lease record at all, the state
// a consumer leaves when it dies between the pop and the lease write.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	ids, err := q.redis.Client().ZRangeByScore(ctx, leaseKey, &redisv8.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		removed, err := q.redis.Client().ZRem(ctx, leaseKey, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue // another reclaimer won
		}
		q.redis.Client().LRem(ctx, processingKey, 0, id)
		if q.requeueOrRetire(ctx, id) {
			reclaimed++
		}
	}

	n, err := q.sweepOrphans(ctx)
	return reclaimed + n, err
}

// sweepOrphans requeues processing entries that have no lease. A fresh pop
// is lease-less for an instant, so an id is only taken after it shows up
// lease-less on two consecutive passes; the LRem count arbitrates a single
// winner across processes.
func (q *Queue) sweepOrphans(ctx context.Context) (int, error) {
	ids, err := q.redis.Client().LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	suspects := make(map[string]struct{})
	for _, id := range ids {
		_, err := q.redis.Client().ZScore(ctx, leaseKey, id).Result()
		if err == nil {
			continue // leased, healthy
		}
		if err != redisv8.Nil {
			return reclaimed, err
		}
		if _, seen := q.orphans[id]; !seen {
			suspects[id] = struct{}{}
			continue
		}
		removed, err := q.redis.Client().LRem(ctx, processingKey, 0, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue
		}
		q.log.LogWarnf("job %s stranded on processing with no lease", id)
		if q.requeueOrRetire(ctx, id) {
			reclaimed++
		}
	}
	q.orphans = suspects
	return reclaimed, nil
}

// requeueOrRetire puts an unleased job back on the pending list or, when
// its attempts are spent, makes the terminal-failure write. Reports whether
// the job went back to pending.
func (q *Queue) requeueOrRetire(ctx context.Context, id string) bool {
	job, err := q.Get(ctx, id)
	if err != nil || job == nil {
		return false
	}
	if job.Attempts >= q.maxAttempts {
		q.log.LogWarnf("job %s exhausted after %d attempts", id, job.Attempts)
		if won, _ := q.redis.SetFlag(ctx, doneKey(id), doneTTL); won {
			job.Status = StatusFailed
			_ = q.writeJob(ctx, *job)
			if q.onExhausted != nil {
				q.onExhausted(ctx, *job)
			}
		}
		return false
	}
	job.Status = StatusQueued
	if err := q.writeJob(ctx, *job); err != nil {
		return false
	}
	if err := q.redis.Client().LPush(ctx, pendingKey, id).Err(); err != nil {
		return false
	}
	q.log.LogInfof("reclaimed job %s (attempt %d)", id, job.Attempts)
	return true
}

// RunReclaimer ticks ReclaimExpired until the context ends. One loop per
// process; the orphan two-pass bookkeeping assumes sequential passes.
func (q *Queue) RunReclaimer(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := q.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
				q.log.LogErrorf("reclaim pass failed: %v", err)
			}
		}
	}
}
