package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rds "crawlengine/internal/platform/redis"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *rds.Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := rds.New(rds.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return New(svc, cfg), svc
}

// expireLease rewinds a job's lease score so the reclaimer sees it as
// lapsed without the test sleeping through a real timeout.
func expireLease(t *testing.T, r *rds.Service, jobID string) {
	t.Helper()
	past := float64(time.Now().Add(-time.Minute).Unix())
	err := r.Client().ZAdd(context.Background(), leaseKey, &redisv8.Z{Score: past, Member: jobID}).Err()
	require.NoError(t, err)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job := NewJob("c1", "https://example.com/a", 2, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "https://example.com/a", got.URL)
	assert.Equal(t, 2, got.Depth)
	assert.Equal(t, StatusLeased, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Queue drained.
	got, err = q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeueChargesAttempts(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job := NewJob("c1", "https://example.com/a", 0, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, q.Release(ctx, *got))
	got, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts, "release keeps the attempt count")

	require.NoError(t, q.Requeue(ctx, *got))
	got, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts, "a deferred job is not charged an attempt")
}

func TestMarkTerminalSingleWinner(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job := NewJob("c1", "https://example.com/a", 0, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))
	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	won, err := q.MarkTerminal(ctx, got, StatusSuccess)
	require.NoError(t, err)
	assert.True(t, won)

	// A redelivered copy of the same job must not win a second terminal
	// write, or the crawl counter would be decremented twice.
	dup := *got
	won, err = q.MarkTerminal(ctx, &dup, StatusFailed)
	require.NoError(t, err)
	assert.False(t, won)

	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, final.Status)
}

func TestReclaimRequeuesExpiredLease(t *testing.T) {
	q, r := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	job := NewJob("c1", "https://example.com/a", 0, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))
	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	// Worker goes silent; its lease lapses.
	expireLease(t, r, got.ID)

	n, err := q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	redelivered, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, job.ID, redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempts)
}

func TestReclaimSkipsRenewedLease(t *testing.T) {
	q, _ := newTestQueue(t, Config{LeaseTimeout: time.Minute})
	ctx := context.Background()

	job := NewJob("c1", "https://example.com/a", 0, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))
	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Renew(ctx, got.ID))

	n, err := q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a live lease must not be reclaimed")
}

func TestReclaimRetiresExhaustedJob(t *testing.T) {
	q, r := newTestQueue(t, Config{MaxAttempts: 2})
	ctx := context.Background()

	var exhausted []Job
	q.SetExhaustedFunc(func(ctx context.Context, job Job) {
		exhausted = append(exhausted, job)
	})

	job := NewJob("c1", "https://example.com/a", 0, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))

	// Burn through the attempt budget with crashed workers.
	for i := 0; i < 2; i++ {
		got, err := q.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, got)
		expireLease(t, r, got.ID)
		_, err = q.ReclaimExpired(ctx)
		require.NoError(t, err)
	}

	// The second reclaim retires the job instead of requeueing it.
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.Len(t, exhausted, 1)
	assert.Equal(t, job.ID, exhausted[0].ID)

	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
}

func TestReclaimSweepsLeaselessProcessingEntry(t *testing.T) {
	q, r := newTestQueue(t, Config{})
	ctx := context.Background()

	job := NewJob("c1", "https://example.com/a", 0, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))

	// A consumer that dies right after the pop leaves the id on the
	// processing list with no lease record at all.
	_, err := r.Client().RPopLPush(ctx, pendingKey, processingKey).Result()
	require.NoError(t, err)

	// First pass only marks the id as suspect: a healthy consumer is
	// lease-less for an instant between pop and lease write.
	n, err := q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.Attempts, "the aborted pop never charged an attempt")

	m, err := r.Client().LLen(ctx, processingKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, m, "only the live consumer's entry remains")
}

func TestReclaimLeavesLeasedJobsAlone(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job := NewJob("c1", "https://example.com/a", 0, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))
	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	// The freshly leased job must survive repeated passes untouched.
	for i := 0; i < 2; i++ {
		n, err := q.ReclaimExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	cur, err := q.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLeased, cur.Status)
}

func TestAckClearsLease(t *testing.T) {
	q, r := newTestQueue(t, Config{})
	ctx := context.Background()

	job := NewJob("c1", "https://example.com/a", 0, KindPage)
	require.NoError(t, q.Enqueue(ctx, job))
	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, got.ID))

	n, err := r.Client().ZCard(ctx, leaseKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	m, err := r.Client().LLen(ctx, processingKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, m)
}
