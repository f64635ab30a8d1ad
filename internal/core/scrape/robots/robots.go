package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"crawlengine/internal/logger"
	"crawlengine/internal/utils/urlutil"
)

const (
	defaultTTL  = 15 * time.Minute
	fallbackTTL = 1 * time.Minute
	maxRobots   = 1 << 20
)

// RuleSet holds parsed rules plus sitemap URLs for one origin.
type RuleSet struct {
	data      *robotstxt.RobotsData
	Sitemaps  []string
	FetchedAt time.Time
	ttl       time.Duration
}

func (r *RuleSet) expired(now time.Time) bool {
	return now.Sub(r.FetchedAt) > r.ttl
}

// Allowed tests a path against the cached rules for the given agent.
// A nil ruleset is permissive.
func (r *RuleSet) Allowed(agent, path string) bool {
	if r == nil || r.data == nil {
		return true
	}
	group := r.data.FindGroup(agent)
	if group == nil {
		return true
	}
	return group.Test(path)
}

// Cache fetches and caches robots rules per origin. Concurrent first
// fetches for one origin are coalesced into a single network call.
type Cache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration

	mu      sync.RWMutex
	entries map[string]*RuleSet
	group   singleflight.Group
	log     *logger.Logger
}

func NewCache(userAgent string) *Cache {
	return &Cache{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		ttl:       defaultTTL,
		entries:   make(map[string]*RuleSet),
		log:       logger.New("RobotsCache"),
	}
}

// Resolve returns the ruleset for a URL's origin, fetching it on first use.
func (c *Cache) Resolve(ctx context.Context, rawURL string) (*RuleSet, error) {
	origin := urlutil.Origin(rawURL)
	if origin == "" {
		return nil, nil
	}

	c.mu.RLock()
	cached, ok := c.entries[origin]
	c.mu.RUnlock()
	if ok && !cached.expired(time.Now()) {
		return cached, nil
	}

	v, err, _ := c.group.Do(origin, func() (interface{}, error) {
		// Re-check under single-flight: a concurrent caller may have
		// refreshed the entry while we waited.
		c.mu.RLock()
		cached, ok := c.entries[origin]
		c.mu.RUnlock()
		if ok && !cached.expired(time.Now()) {
			return cached, nil
		}
		rs := c.fetch(ctx, origin)
		c.mu.Lock()
		c.entries[origin] = rs
		c.mu.Unlock()
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RuleSet), nil
}

// Allowed reports whether a URL may be fetched under its origin's rules.
func (c *Cache) Allowed(ctx context.Context, rawURL string) bool {
	rs, err := c.Resolve(ctx, rawURL)
	if err != nil || rs == nil {
		return true
	}
	p, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := p.Path
	if path == "" {
		path = "/"
	}
	return rs.Allowed(c.userAgent, path)
}

// Sitemaps returns sitemap URLs discovered in the origin's robots file.
func (c *Cache) Sitemaps(ctx context.Context, rawURL string) []string {
	rs, err := c.Resolve(ctx, rawURL)
	if err != nil || rs == nil {
		return nil
	}
	return rs.Sitemaps
}

// fetch loads and parses an origin's robots.txt. Failure yields a
// permissive ruleset with a short TTL so the crawl is not stalled.
func (c *Cache) fetch(ctx context.Context, origin string) *RuleSet {
	robotsURL := origin + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return &RuleSet{FetchedAt: time.Now(), ttl: fallbackTTL}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.LogWarnf("robots fetch failed for %s, allowing: %v", origin, err)
		return &RuleSet{FetchedAt: time.Now(), ttl: fallbackTTL}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobots))
	if err != nil {
		c.log.LogWarnf("robots read failed for %s, allowing: %v", origin, err)
		return &RuleSet{FetchedAt: time.Now(), ttl: fallbackTTL}
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		c.log.LogWarnf("robots parse failed for %s, allowing: %v", origin, err)
		return &RuleSet{FetchedAt: time.Now(), ttl: fallbackTTL}
	}

	return &RuleSet{
		data:      data,
		Sitemaps:  parseSitemapDirectives(string(body)),
		FetchedAt: time.Now(),
		ttl:       c.ttl,
	}
}

// parseSitemapDirectives pulls Sitemap: lines out of a robots body.
// robotstxt exposes groups only, so the directive scan is done here.
func parseSitemapDirectives(body string) []string {
	var sitemaps []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		u := strings.TrimSpace(line[8:])
		if u != "" {
			sitemaps = append(sitemaps, u)
		}
	}
	return sitemaps
}
