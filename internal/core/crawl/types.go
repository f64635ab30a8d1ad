package crawl

import (
	"context"
	"encoding/json"
	"time"

	"crawlengine/internal/core/frontier"
	"crawlengine/internal/utils/urlutil"
)

// Status is the crawl lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	// StatusCompleted means every job reached a terminal state and results
	// were persisted.
	StatusCompleted Status = "completed"
	// StatusDegraded means the crawl drained but some results could not be
	// persisted after retries.
	StatusDegraded Status = "degraded_complete"
	StatusFailed   Status = "failed"
)

// Config bounds one crawl's traversal.
type Config struct {
	Limit             int               `json:"limit"`
	MaxDepth          int               `json:"max_depth"`
	Includes          []string          `json:"includes,omitempty"`
	Excludes          []string          `json:"excludes,omitempty"`
	IncludeSubdomains bool              `json:"include_subdomains,omitempty"`
	RenderJS          bool              `json:"render_js,omitempty"`
	MaxConcurrency    int               `json:"max_concurrency,omitempty"`
	WebhookURL        string            `json:"webhook_url,omitempty"`
	WebhookHeaders    map[string]string `json:"webhook_headers,omitempty"`
}

// Crawl is a bounded traversal from a seed URL. Owned by the orchestration
// layer for its active lifetime; archived, not deleted, on completion.
type Crawl struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	BaseURL   string    `json:"base_url"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
}

// FrontierRules derives the link-filtering rules for this crawl.
func (c *Crawl) FrontierRules() frontier.Rules {
	return frontier.Rules{
		CrawlID:           c.ID,
		Hostname:          urlutil.Hostname(c.BaseURL),
		IncludeSubdomains: c.Config.IncludeSubdomains,
		MaxDepth:          c.Config.MaxDepth,
		Limit:             c.Config.Limit,
		Includes:          c.Config.Includes,
		Excludes:          c.Config.Excludes,
	}
}

// Counts summarizes job outcomes for status reporting.
type Counts struct {
	Active  int64 `json:"active"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

// Result is one persisted page. Append-only: created exactly once per
// successful job, never updated.
type Result struct {
	ID        string          `json:"id"`
	CrawlID   string          `json:"crawl_id"`
	URL       string          `json:"url"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// ResultStore is the durable persistence gateway for crawls and their
// results.
type ResultStore interface {
	SaveCrawl(ctx context.Context, c *Crawl) error
	SetCrawlStatus(ctx context.Context, crawlID string, status Status) error
	GetCrawl(ctx context.Context, crawlID string) (*Crawl, Status, error)
	// SaveResult persists one page. Idempotent per result id so redelivered
	// jobs cannot produce duplicate rows.
	SaveResult(ctx context.Context, r *Result) error
	ListResults(ctx context.Context, crawlID string, offset, limit int) ([]Result, error)
	CountResults(ctx context.Context, crawlID string) (int, error)
}
