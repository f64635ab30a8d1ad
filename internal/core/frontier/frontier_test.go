package frontier

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rds "crawlengine/internal/platform/redis"
)

func newTestRedis(t *testing.T) *rds.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := rds.New(rds.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func testRules(crawlID string) Rules {
	return Rules{
		CrawlID:  crawlID,
		Hostname: "example.com",
		MaxDepth: 3,
		Limit:    10,
	}
}

func TestAcceptDeduplicates(t *testing.T) {
	f := New(newTestRedis(t))
	ctx := context.Background()
	rules := testRules("c1")

	d, norm, err := f.Accept(ctx, rules, "https://example.com/a", 1)
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
	assert.Equal(t, "https://example.com/a", norm)

	// Same page under a different spelling must not be accepted twice.
	d, _, err = f.Accept(ctx, rules, "https://EXAMPLE.com/a#section", 2)
	require.NoError(t, err)
	assert.Equal(t, RejectedDuplicate, d)
}

func TestAcceptConcurrentSameURL(t *testing.T) {
	f := New(newTestRedis(t))
	ctx := context.Background()
	rules := testRules("c1")

	const workers = 20
	var wg sync.WaitGroup
	accepted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _, err := f.Accept(ctx, rules, "https://example.com/race", 1)
			if err == nil && d == Accepted {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(accepted)
	assert.Len(t, accepted, 1, "exactly one worker may claim a URL")
}

func TestAcceptDomainAndPatterns(t *testing.T) {
	f := New(newTestRedis(t))
	ctx := context.Background()
	rules := testRules("c1")
	rules.Includes = []string{"/blog/*"}
	rules.Excludes = []string{"/blog/drafts/*"}

	cases := []struct {
		url  string
		want Decision
	}{
		{"https://example.com/blog/post-1", Accepted},
		{"https://example.com/docs/intro", RejectedFiltered},
		{"https://example.com/blog/drafts/wip", RejectedFiltered},
		{"https://other.com/blog/post-2", RejectedFiltered},
		{"https://sub.example.com/blog/post-3", RejectedFiltered},
		{"mailto:someone@example.com", RejectedFiltered},
	}
	for _, tc := range cases {
		d, _, err := f.Accept(ctx, rules, tc.url, 1)
		require.NoError(t, err)
		assert.Equal(t, tc.want, d, tc.url)
	}
}

func TestAcceptSubdomains(t *testing.T) {
	f := New(newTestRedis(t))
	ctx := context.Background()
	rules := testRules("c1")
	rules.IncludeSubdomains = true

	d, _, err := f.Accept(ctx, rules, "https://docs.example.com/intro", 1)
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)

	// www is treated as the bare domain even without subdomains enabled.
	rules2 := testRules("c2")
	d, _, err = f.Accept(ctx, rules2, "https://www.example.com/home", 1)
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
}

func TestAcceptDepthBound(t *testing.T) {
	f := New(newTestRedis(t))
	ctx := context.Background()
	rules := testRules("c1")
	rules.MaxDepth = 2

	d, _, err := f.Accept(ctx, rules, "https://example.com/deep", 3)
	require.NoError(t, err)
	assert.Equal(t, RejectedDepth, d)

	d, _, err = f.Accept(ctx, rules, "https://example.com/ok", 2)
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
}

func TestAcceptLimitSoftStop(t *testing.T) {
	f := New(newTestRedis(t))
	ctx := context.Background()
	rules := testRules("c1")
	rules.Limit = 3

	got := 0
	for i := 0; i < 10; i++ {
		d, _, err := f.Accept(ctx, rules, fmt.Sprintf("https://example.com/p/%d", i), 1)
		require.NoError(t, err)
		if d == Accepted {
			got++
		}
	}
	assert.Equal(t, 3, got)

	// Once the budget is spent nothing new gets in.
	d, _, err := f.Accept(ctx, rules, "https://example.com/late", 1)
	require.NoError(t, err)
	assert.Equal(t, RejectedLimit, d)
}

func TestAcceptSeedOutsidePatterns(t *testing.T) {
	r := newTestRedis(t)
	f := New(r)
	ctx := context.Background()
	rules := testRules("c1")
	rules.Includes = []string{"/blog/*"}
	rules.Limit = 5

	// The seed is claimed for dedup but consumes no result slot when it
	// falls outside the include patterns.
	norm, claimed, err := f.AcceptSeed(ctx, rules, "https://example.com")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "https://example.com", norm)

	n, err := r.GetInt(ctx, acceptedKey(rules.CrawlID))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// Re-discovering the seed later is a duplicate, not a new job.
	d, _, err := f.Accept(ctx, rules, "https://example.com/", 1)
	require.NoError(t, err)
	assert.Equal(t, RejectedDuplicate, d)
}

func TestAcceptSeedInsidePatternsTakesSlot(t *testing.T) {
	r := newTestRedis(t)
	f := New(r)
	ctx := context.Background()
	rules := testRules("c1")
	rules.Includes = []string{"/blog/*"}
	rules.Limit = 5

	_, claimed, err := f.AcceptSeed(ctx, rules, "https://example.com/blog/start")
	require.NoError(t, err)
	assert.True(t, claimed)

	n, err := r.GetInt(ctx, acceptedKey(rules.CrawlID))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAcceptSeedRepeatClaimsNothing(t *testing.T) {
	r := newTestRedis(t)
	f := New(r)
	ctx := context.Background()
	rules := testRules("c1")
	rules.Includes = []string{"/blog/*"}
	rules.Limit = 5

	_, claimed, err := f.AcceptSeed(ctx, rules, "https://example.com/blog/start")
	require.NoError(t, err)
	require.True(t, claimed)

	// A repeat claim reports not-claimed and charges no second slot.
	_, claimed, err = f.AcceptSeed(ctx, rules, "https://example.com/blog/start")
	require.NoError(t, err)
	assert.False(t, claimed)

	n, err := r.GetInt(ctx, acceptedKey(rules.CrawlID))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReleaseSeedReopensClaim(t *testing.T) {
	r := newTestRedis(t)
	f := New(r)
	ctx := context.Background()
	rules := testRules("c1")
	rules.Limit = 5

	norm, claimed, err := f.AcceptSeed(ctx, rules, "https://example.com/start")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, f.ReleaseSeed(ctx, rules, norm))

	n, err := r.GetInt(ctx, acceptedKey(rules.CrawlID))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, claimed, err = f.AcceptSeed(ctx, rules, "https://example.com/start")
	require.NoError(t, err)
	assert.True(t, claimed, "released seed must be claimable again")
}

func TestReleaseSlotRestoresBudget(t *testing.T) {
	f := New(newTestRedis(t))
	ctx := context.Background()
	rules := testRules("c1")
	rules.Limit = 1

	d, _, err := f.Accept(ctx, rules, "https://example.com/blocked", 1)
	require.NoError(t, err)
	require.Equal(t, Accepted, d)

	require.NoError(t, f.ReleaseSlot(ctx, rules))

	// The returned slot serves the next URL; the released one stays in the
	// dedup set.
	d, _, err = f.Accept(ctx, rules, "https://example.com/kept", 1)
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)

	d, _, err = f.Accept(ctx, rules, "https://example.com/blocked", 1)
	require.NoError(t, err)
	assert.Equal(t, RejectedDuplicate, d)
}
