package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"crawlengine/internal/config"
	"crawlengine/internal/core/frontier"
	"crawlengine/internal/core/queue"
	"crawlengine/internal/core/scrape/robots"
	"crawlengine/internal/core/webhook"
	"crawlengine/internal/logger"
	"crawlengine/internal/platform/tasks"
)

// frontierArchiveTTL is how long the visited set outlives a finished
// crawl, in seconds.
const frontierArchiveTTL = 3600

// CreateRequest is the public shape of a crawl submission.
type CreateRequest struct {
	URL               string            `json:"url"`
	TenantID          string            `json:"tenant_id,omitempty"`
	Limit             int               `json:"limit,omitempty"`
	MaxDepth          int               `json:"max_depth,omitempty"`
	Includes          []string          `json:"include_paths,omitempty"`
	Excludes          []string          `json:"exclude_paths,omitempty"`
	IncludeSubdomains bool              `json:"include_subdomains,omitempty"`
	RenderJS          bool              `json:"render_js,omitempty"`
	MaxConcurrency    int               `json:"max_concurrency,omitempty"`
	WebhookURL        string            `json:"webhook_url,omitempty"`
	WebhookHeaders    map[string]string `json:"webhook_headers,omitempty"`
}

// StatusResponse reports one crawl's progress.
type StatusResponse struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	BaseURL     string `json:"url"`
	Counts      Counts `json:"counts"`
	ResultCount int    `json:"result_count"`
}

type kickoffPayload struct {
	CrawlID string `json:"crawl_id"`
}

// Service orchestrates crawl lifecycles: it accepts submissions, seeds the
// frontier and queue when the kickoff task fires, and finalizes the crawl
// when the tracker declares it drained.
type Service struct {
	store    ResultStore
	tracker  *Tracker
	queue    *queue.Queue
	frontier *frontier.Frontier
	robots   *robots.Cache
	webhooks *webhook.Dispatcher
	tasks    *tasks.Client
	config   config.Config
	log      *logger.Logger
}

func NewService(store ResultStore, tracker *Tracker, q *queue.Queue, f *frontier.Frontier, rb *robots.Cache, wh *webhook.Dispatcher, tc *tasks.Client, cfg config.Config) *Service {
	s := &Service{
		store:    store,
		tracker:  tracker,
		queue:    q,
		frontier: f,
		robots:   rb,
		webhooks: wh,
		tasks:    tc,
		config:   cfg,
		log:      logger.New("CrawlService"),
	}
	tracker.SetCompleteFunc(s.onComplete)
	q.SetExhaustedFunc(s.onJobExhausted)
	return s
}

// Create validates the request, persists the crawl record and schedules the
// kickoff task. Seeding happens asynchronously so submission stays fast.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Crawl, error) {
	base := strings.TrimSpace(req.URL)
	if base == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	cfg := Config{
		Limit:             req.Limit,
		MaxDepth:          req.MaxDepth,
		Includes:          req.Includes,
		Excludes:          req.Excludes,
		IncludeSubdomains: req.IncludeSubdomains,
		RenderJS:          req.RenderJS,
		MaxConcurrency:    req.MaxConcurrency,
		WebhookURL:        req.WebhookURL,
		WebhookHeaders:    req.WebhookHeaders,
	}
	if cfg.Limit <= 0 {
		cfg.Limit = s.config.DefaultLimit
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = s.config.DefaultMaxDepth
	}

	c := &Crawl{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		BaseURL:   u.String(),
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveCrawl(ctx, c); err != nil {
		return nil, fmt.Errorf("save crawl: %w", err)
	}

	payload, _ := json.Marshal(kickoffPayload{CrawlID: c.ID})
	task := asynq.NewTask(tasks.TaskTypeCrawlKickoff, payload)
	if err := s.tasks.Enqueue(task, "default", s.config.TaskMaxRetries); err != nil {
		return nil, fmt.Errorf("enqueue kickoff: %w", err)
	}

	s.log.LogInfof("crawl %s created for %s (limit=%d depth=%d)", c.ID, c.BaseURL, cfg.Limit, cfg.MaxDepth)
	return c, nil
}

// HandleKickoffTask registers the crawl with the tracker, claims the seed
// in the frontier and enqueues the seed job plus any sitemap jobs
// advertised by robots.txt. Delivery is at-least-once, so every step is
// guarded: Begin initializes the counter with SETNX and the seed claim is
// the gate for the whole seeding sequence. A redelivered task finds the
// seed already claimed and returns without enqueuing or emitting anything.
func (s *Service) HandleKickoffTask(ctx context.Context, task *asynq.Task) error {
	var p kickoffPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode kickoff payload: %w", err)
	}
	c, _, err := s.store.GetCrawl(ctx, p.CrawlID)
	if err != nil {
		return fmt.Errorf("load crawl %s: %w", p.CrawlID, err)
	}
	if err := s.tracker.Begin(ctx, c); err != nil {
		return fmt.Errorf("begin crawl %s: %w", c.ID, err)
	}

	rules := c.FrontierRules()
	seed, claimed, err := s.frontier.AcceptSeed(ctx, rules, c.BaseURL)
	if err != nil {
		return fmt.Errorf("seed frontier for %s: %w", c.ID, err)
	}
	if !claimed {
		s.log.LogWarnf("crawl %s already seeded, ignoring redelivered kickoff", c.ID)
		return nil
	}

	s.dispatch(c, webhook.Event{Event: webhook.EventCrawlStarted, CrawlID: c.ID, URL: c.BaseURL, Timestamp: time.Now().UTC()})

	if err := s.enqueue(ctx, queue.NewJob(c.ID, seed, 0, queue.KindPage)); err != nil {
		// Give the claim back so the retried task can seed the crawl.
		if rerr := s.frontier.ReleaseSeed(ctx, rules, seed); rerr != nil {
			s.log.LogErrorf("crawl %s: seed claim rollback failed: %v", c.ID, rerr)
		}
		return err
	}

	// Sitemaps are a discovery accelerator, not a requirement. Failures
	// here leave the crawl running on link discovery alone.
	for _, sm := range s.robots.Sitemaps(ctx, seed) {
		if err := s.enqueue(ctx, queue.NewJob(c.ID, sm, 0, queue.KindSitemap)); err != nil {
			s.log.LogWarnf("crawl %s: sitemap %s not enqueued: %v", c.ID, sm, err)
		}
	}
	return nil
}

// enqueue increments the active counter before the job becomes visible so
// the counter can never undercount in-flight work. A failed push rolls the
// increment back.
func (s *Service) enqueue(ctx context.Context, job queue.Job) error {
	if err := s.tracker.OnEnqueue(ctx, job.CrawlID); err != nil {
		return fmt.Errorf("count job %s: %w", job.ID, err)
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if cerr := s.tracker.CancelEnqueue(ctx, job.CrawlID); cerr != nil {
			s.log.LogErrorf("crawl %s: enqueue rollback failed: %v", job.CrawlID, cerr)
		}
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// onJobExhausted runs when the reclaimer retires a job that ran out of
// attempts with no live worker. The terminal write keeps the active
// counter honest.
func (s *Service) onJobExhausted(ctx context.Context, job queue.Job) {
	if err := s.tracker.OnTerminal(ctx, job.CrawlID, Outcome{Success: false}); err != nil {
		s.log.LogErrorf("crawl %s: exhausted job %s not recorded: %v", job.CrawlID, job.ID, err)
	}
}

// onComplete fires exactly once per crawl, from whichever process won the
// completion CAS. It decides the final status, persists it and emits the
// terminal webhook event.
func (s *Service) onComplete(ctx context.Context, crawlID string) {
	c, err := s.tracker.GetCrawl(ctx, crawlID)
	if err != nil {
		s.log.LogErrorf("crawl %s: finalize aborted, config missing: %v", crawlID, err)
		return
	}
	counts, err := s.tracker.GetCounts(ctx, crawlID)
	if err != nil {
		s.log.LogErrorf("crawl %s: counts unavailable: %v", crawlID, err)
	}
	degraded, _ := s.tracker.IsDegraded(ctx, crawlID)

	status := StatusCompleted
	switch {
	case counts.Success == 0 && counts.Failed > 0:
		status = StatusFailed
	case degraded:
		status = StatusDegraded
	}
	if err := s.store.SetCrawlStatus(ctx, crawlID, status); err != nil {
		s.log.LogErrorf("crawl %s: status %s not persisted: %v", crawlID, status, err)
	}

	event := webhook.EventCrawlCompleted
	if status == StatusFailed {
		event = webhook.EventCrawlFailed
	}
	data, _ := json.Marshal(map[string]any{"status": status, "success": counts.Success, "failed": counts.Failed})
	s.dispatch(c, webhook.Event{Event: event, CrawlID: crawlID, URL: c.BaseURL, Data: data, Timestamp: time.Now().UTC()})

	if err := s.frontier.Archive(ctx, crawlID, frontierArchiveTTL); err != nil {
		s.log.LogWarnf("crawl %s: frontier archive failed: %v", crawlID, err)
	}
	if err := s.tracker.Archive(ctx, crawlID); err != nil {
		s.log.LogWarnf("crawl %s: state archive failed: %v", crawlID, err)
	}
	s.log.LogInfof("crawl %s finished: status=%s success=%d failed=%d", crawlID, status, counts.Success, counts.Failed)
}

func (s *Service) dispatch(c *Crawl, event webhook.Event) {
	if c.Config.WebhookURL == "" {
		return
	}
	s.webhooks.Dispatch(webhook.Target{URL: c.Config.WebhookURL, Headers: c.Config.WebhookHeaders}, event)
}

// Status reports live progress for an active crawl and the stored status
// afterwards.
func (s *Service) Status(ctx context.Context, crawlID string) (*StatusResponse, error) {
	c, status, err := s.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	counts, err := s.tracker.GetCounts(ctx, crawlID)
	if err != nil {
		return nil, fmt.Errorf("counts for %s: %w", crawlID, err)
	}
	n, err := s.store.CountResults(ctx, crawlID)
	if err != nil {
		return nil, fmt.Errorf("count results for %s: %w", crawlID, err)
	}
	return &StatusResponse{ID: c.ID, Status: status, BaseURL: c.BaseURL, Counts: counts, ResultCount: n}, nil
}

// Results pages through persisted results in insertion order.
func (s *Service) Results(ctx context.Context, crawlID string, offset, limit int) ([]Result, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if _, _, err := s.store.GetCrawl(ctx, crawlID); err != nil {
		return nil, err
	}
	return s.store.ListResults(ctx, crawlID, offset, limit)
}
