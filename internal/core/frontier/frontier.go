package frontier

import (
	"context"
	"time"

	"crawlengine/internal/logger"
	rds "crawlengine/internal/platform/redis"
	"crawlengine/internal/utils/urlutil"
)

// Rules bound one crawl's traversal.
type Rules struct {
	CrawlID           string
	Hostname          string
	IncludeSubdomains bool
	MaxDepth          int
	Limit             int
	Includes          []string
	Excludes          []string
}

// Decision explains why a URL was accepted or rejected.
type Decision int

const (
	Accepted Decision = iota
	RejectedDuplicate
	RejectedFiltered
	RejectedDepth
	RejectedLimit
)

// Frontier applies include/exclude, depth and limit rules to discovered
// URLs and guards the per-crawl dedup set. Check-and-insert is one atomic
// Redis step, so two workers can never both accept the same URL.
type Frontier struct {
	redis *rds.Service
	log   *logger.Logger
}

func New(redis *rds.Service) *Frontier {
	return &Frontier{redis: redis, log: logger.New("LinkFrontier")}
}

func visitedKey(crawlID string) string  { return "crawl:" + crawlID + ":visited" }
func acceptedKey(crawlID string) string { return "crawl:" + crawlID + ":accepted" }

// Accept filters one discovered URL and, if it passes, claims it in the
// dedup set. Filtering runs before the set insert so rejected URLs never
// consume dedup entries; the limit check runs last and reserves a slot
// atomically, signalling soft-stop once the budget is spent.
func (f *Frontier) Accept(ctx context.Context, rules Rules, rawURL string, depth int) (Decision, string, error) {
	norm := urlutil.Normalize(rawURL)
	if norm == "" {
		return RejectedFiltered, "", nil
	}

	if !urlutil.SameDomain(urlutil.Hostname(norm), rules.Hostname, rules.IncludeSubdomains) {
		return RejectedFiltered, norm, nil
	}
	if !urlutil.Allowed(norm, rules.Includes, rules.Excludes) {
		return RejectedFiltered, norm, nil
	}
	if rules.MaxDepth > 0 && depth > rules.MaxDepth {
		return RejectedDepth, norm, nil
	}

	added, err := f.redis.AddToSet(ctx, visitedKey(rules.CrawlID), norm)
	if err != nil {
		return RejectedFiltered, norm, err
	}
	if !added {
		return RejectedDuplicate, norm, nil
	}

	if rules.Limit > 0 {
		n, err := f.redis.Incr(ctx, acceptedKey(rules.CrawlID))
		if err != nil {
			return RejectedFiltered, norm, err
		}
		if n > int64(rules.Limit) {
			// Soft-stop: no new work is accepted, in-flight jobs drain.
			f.log.LogDebugf("crawl %s reached limit %d, rejecting %s", rules.CrawlID, rules.Limit, norm)
			return RejectedLimit, norm, nil
		}
	}

	return Accepted, norm, nil
}

// AcceptSeed claims the crawl's base URL. The seed is always fetched so
// links can be discovered from it, but it only consumes a result slot when
// it passes the include/exclude rules itself. The claimed flag is false on
// a repeat call, so a redelivered kickoff cannot seed the crawl twice or
// charge the limit counter again.
func (f *Frontier) AcceptSeed(ctx context.Context, rules Rules, rawURL string) (string, bool, error) {
	norm := urlutil.Normalize(rawURL)
	if norm == "" {
		norm = rawURL
	}
	claimed, err := f.redis.AddToSet(ctx, visitedKey(rules.CrawlID), norm)
	if err != nil {
		return norm, false, err
	}
	if !claimed {
		return norm, false, nil
	}
	if rules.Limit > 0 && urlutil.Allowed(norm, rules.Includes, rules.Excludes) {
		if _, err := f.redis.Incr(ctx, acceptedKey(rules.CrawlID)); err != nil {
			return norm, true, err
		}
	}
	return norm, true, nil
}

// ReleaseSeed undoes a seed claim whose enqueue failed, so a retried
// kickoff can claim the seed again.
func (f *Frontier) ReleaseSeed(ctx context.Context, rules Rules, norm string) error {
	if urlutil.Allowed(norm, rules.Includes, rules.Excludes) {
		if err := f.ReleaseSlot(ctx, rules); err != nil {
			return err
		}
	}
	return f.redis.RemoveFromSet(ctx, visitedKey(rules.CrawlID), norm)
}

// ReleaseSlot returns one reserved limit slot, used when a URL that passed
// Accept is rejected by a later policy check. The dedup claim stays so the
// URL is not re-examined.
func (f *Frontier) ReleaseSlot(ctx context.Context, rules Rules) error {
	if rules.Limit <= 0 {
		return nil
	}
	_, err := f.redis.Decr(ctx, acceptedKey(rules.CrawlID))
	return err
}

// Archive expires the crawl's frontier state instead of deleting it, so a
// finished crawl's dedup history stays inspectable for its retention
// window.
func (f *Frontier) Archive(ctx context.Context, crawlID string, ttlSeconds int) error {
	ttl := time.Duration(ttlSeconds) * time.Second
	if err := f.redis.Expire(ctx, visitedKey(crawlID), ttl); err != nil {
		return err
	}
	return f.redis.Expire(ctx, acceptedKey(crawlID), ttl)
}
