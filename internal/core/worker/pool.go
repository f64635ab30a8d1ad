package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/semaphore"

	"crawlengine/internal/core/crawl"
	"crawlengine/internal/core/frontier"
	"crawlengine/internal/core/queue"
	"crawlengine/internal/core/ratelimit"
	"crawlengine/internal/core/scrape"
	"crawlengine/internal/core/scrape/robots"
	"crawlengine/internal/core/sitemap"
	"crawlengine/internal/core/webhook"
	"crawlengine/internal/logger"
	"crawlengine/internal/utils/urlutil"
)

const maxSitemapDepth = 3

// Config controls pool behavior.
type Config struct {
	Executors           int
	FetchPermits        int
	PerCrawlConcurrency int
	PollInterval        time.Duration
	RenewInterval       time.Duration
	MaxAttempts         int
	PersistMaxRetries   int
	FetchTimeout        time.Duration
	RateBehavior        ratelimit.Behavior
	UserAgent           string
}

// Pool runs a bounded set of concurrent job executors. Fetch concurrency
// is capped by counting permits acquired before the network call and
// released right after, so CPU-bound conversion never holds a permit.
type Pool struct {
	cfg       Config
	queue     *queue.Queue
	tracker   *crawl.Tracker
	frontier  *frontier.Frontier
	robots    *robots.Cache
	limiter   *ratelimit.Limiter
	fetcher   scrape.Fetcher
	renderer  scrape.Fetcher // optional rendering backend
	extractor scrape.Extractor
	store     crawl.ResultStore
	webhooks  *webhook.Dispatcher
	log       *logger.Logger

	permits *semaphore.Weighted

	crawlSemMu sync.Mutex
	crawlSems  map[string]*semaphore.Weighted
}

func NewPool(
	cfg Config,
	q *queue.Queue,
	tracker *crawl.Tracker,
	f *frontier.Frontier,
	rc *robots.Cache,
	rl *ratelimit.Limiter,
	fetcher scrape.Fetcher,
	st crawl.ResultStore,
	wh *webhook.Dispatcher,
) *Pool {
	if cfg.Executors <= 0 {
		cfg.Executors = 10
	}
	if cfg.FetchPermits <= 0 {
		cfg.FetchPermits = cfg.Executors
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 20 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PersistMaxRetries <= 0 {
		cfg.PersistMaxRetries = 3
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		tracker:   tracker,
		frontier:  f,
		robots:    rc,
		limiter:   rl,
		fetcher:   fetcher,
		extractor: scrape.NoopExtractor{},
		store:     st,
		webhooks:  wh,
		log:       logger.New("WorkerPool"),
		permits:   semaphore.NewWeighted(int64(cfg.FetchPermits)),
		crawlSems: make(map[string]*semaphore.Weighted),
	}
}

// SetRenderer wires an optional rendering fetch backend, selected per
// crawl via config.
func (p *Pool) SetRenderer(f scrape.Fetcher) { p.renderer = f }

// SetExtractor swaps the structured-extraction capability.
func (p *Pool) SetExtractor(e scrape.Extractor) { p.extractor = e }

// Run blocks, executing jobs until the context ends.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Executors; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.executor(ctx, id)
		}(i + 1)
	}
	wg.Wait()
}

func (p *Pool) executor(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(ctx, p.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.LogErrorf("executor %d dequeue failed: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *queue.Job) {
	c, err := p.tracker.GetCrawl(ctx, job.CrawlID)
	if err != nil {
		p.log.LogErrorf("job %s: crawl state unavailable: %v", job.ID, err)
		p.finish(ctx, job, queue.StatusFailed)
		return
	}

	// Renew the lease while the job is in flight; a crashed executor stops
	// renewing and the reclaimer takes over.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go p.renewLoop(renewCtx, job.ID)

	switch job.Kind {
	case queue.KindSitemap:
		p.processSitemap(ctx, c, job)
	default:
		p.processPage(ctx, c, job)
	}
}

func (p *Pool) renewLoop(ctx context.Context, jobID string) {
	t := time.NewTicker(p.cfg.RenewInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.queue.Renew(ctx, jobID); err != nil && ctx.Err() == nil {
				p.log.LogWarnf("lease renew failed for job %s: %v", jobID, err)
			}
		}
	}
}

func (p *Pool) processPage(ctx context.Context, c *crawl.Crawl, job *queue.Job) {
	if !p.robots.Allowed(ctx, job.URL) {
		p.log.LogInfof("job %s: %s disallowed by robots", job.ID, job.URL)
		p.finish(ctx, job, queue.StatusFailed)
		return
	}

	if err := p.limiter.Acquire(ctx, urlutil.Origin(job.URL), p.cfg.RateBehavior); err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrDeferred), errors.Is(err, ratelimit.ErrBudgetExhausted):
			// Deferred back into the queue without charging an attempt.
			if rerr := p.queue.Requeue(ctx, *job); rerr != nil {
				p.log.LogErrorf("job %s defer requeue failed: %v", job.ID, rerr)
			}
		case ctx.Err() != nil:
		default:
			p.log.LogErrorf("job %s rate acquire failed: %v", job.ID, err)
			p.retryOrFail(ctx, job)
		}
		return
	}

	doc, err := p.fetch(ctx, c, job)
	if err != nil {
		switch {
		case errors.Is(err, scrape.ErrRateLimited):
			// Origin pushed back; defer without charging an attempt.
			if rerr := p.queue.Requeue(ctx, *job); rerr != nil {
				p.log.LogErrorf("job %s 429 requeue failed: %v", job.ID, rerr)
			}
		case scrape.IsPermanent(err):
			p.log.LogInfof("job %s permanent failure for %s: %v", job.ID, job.URL, err)
			p.finish(ctx, job, queue.StatusFailed)
		case ctx.Err() != nil:
			// Shutdown mid-job: leave the lease to expire and be reclaimed.
		default:
			p.log.LogWarnf("job %s transient failure for %s (attempt %d): %v", job.ID, job.URL, job.Attempts, err)
			p.retryOrFail(ctx, job)
		}
		return
	}

	// Conversion is CPU-bound and runs after the fetch permit is released.
	scrape.Convert(doc)
	if extracted, eerr := p.extractor.Extract(ctx, doc, nil); eerr == nil {
		doc.Extracted = extracted
	}

	rules := c.FrontierRules()
	if urlutil.Allowed(doc.URL, rules.Includes, rules.Excludes) {
		if !p.persist(ctx, c, job, doc) {
			return
		}
	}

	p.discover(ctx, c, job, doc.Links)
	p.finish(ctx, job, queue.StatusSuccess)
}

// fetch runs the network call under a global fetch permit and, when
// configured, a per-crawl concurrency cap.
func (p *Pool) fetch(ctx context.Context, c *crawl.Crawl, job *queue.Job) (*scrape.Document, error) {
	if err := p.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.permits.Release(1)

	if sem := p.crawlSem(c); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
	}

	fetcher := p.fetcher
	if c.Config.RenderJS && p.renderer != nil {
		fetcher = p.renderer
	}
	return fetcher.Fetch(ctx, job.URL, scrape.Options{
		UserAgent: p.cfg.UserAgent,
		Timeout:   p.cfg.FetchTimeout,
	})
}

func (p *Pool) crawlSem(c *crawl.Crawl) *semaphore.Weighted {
	limit := c.Config.MaxConcurrency
	if limit <= 0 {
		limit = p.cfg.PerCrawlConcurrency
	}
	if limit <= 0 {
		return nil
	}
	p.crawlSemMu.Lock()
	defer p.crawlSemMu.Unlock()
	sem, ok := p.crawlSems[c.ID]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		p.crawlSems[c.ID] = sem
	}
	return sem
}

// persist writes the page's ScrapeResult, retrying with backoff. The
// result id is the job id, so redelivered jobs cannot create duplicate
// rows. Returns false when the job was finished on the failure path.
func (p *Pool) persist(ctx context.Context, c *crawl.Crawl, job *queue.Job, doc *scrape.Document) bool {
	payload, err := json.Marshal(doc)
	if err != nil {
		p.finish(ctx, job, queue.StatusFailed)
		return false
	}
	result := &crawl.Result{
		ID:        job.ID,
		CrawlID:   c.ID,
		URL:       doc.URL,
		Data:      payload,
		CreatedAt: time.Now().UTC(),
	}

	err = retry.Do(
		func() error { return p.store.SaveResult(ctx, result) },
		retry.Attempts(uint(p.cfg.PersistMaxRetries)),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		// Retries exhausted: surface the degradation on the crawl and let
		// the job go terminal so the counter still drains.
		p.log.LogErrorf("job %s: result persist exhausted retries: %v", job.ID, err)
		_ = p.tracker.MarkDegraded(ctx, c.ID)
		p.finish(ctx, job, queue.StatusFailed)
		return false
	}

	p.webhooks.Dispatch(webhook.Target{URL: c.Config.WebhookURL, Headers: c.Config.WebhookHeaders}, webhook.Event{
		Event:   webhook.EventCrawlPage,
		CrawlID: c.ID,
		URL:     doc.URL,
		Data:    payload,
	})
	return true
}

// discover feeds outbound links through the frontier, enqueuing each
// accepted URL. The counter increment happens before the push so the new
// job is never dequeuable ahead of its increment.
func (p *Pool) discover(ctx context.Context, c *crawl.Crawl, job *queue.Job, links []string) {
	rules := c.FrontierRules()
	depth := job.Depth + 1
	for _, link := range links {
		decision, norm, err := p.frontier.Accept(ctx, rules, link, depth)
		if err != nil {
			p.log.LogErrorf("frontier check failed for %s: %v", link, err)
			continue
		}
		if decision != frontier.Accepted {
			continue
		}
		if !p.robots.Allowed(ctx, norm) {
			// The dedup claim stays, but the limit slot goes back so a
			// disallowed URL never shrinks the crawl's result budget.
			if rerr := p.frontier.ReleaseSlot(ctx, rules); rerr != nil {
				p.log.LogErrorf("slot release failed for %s: %v", norm, rerr)
			}
			continue
		}
		p.enqueue(ctx, c.ID, queue.NewJob(c.ID, norm, depth, queue.KindPage))
	}
}

func (p *Pool) enqueue(ctx context.Context, crawlID string, job queue.Job) {
	if err := p.tracker.OnEnqueue(ctx, crawlID); err != nil {
		p.log.LogErrorf("counter increment failed for %s: %v", job.URL, err)
		return
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		p.log.LogErrorf("enqueue failed for %s: %v", job.URL, err)
		_ = p.tracker.CancelEnqueue(ctx, crawlID)
	}
}

// retryOrFail releases the job for another delivery while attempts
// remain, then records the terminal failure.
func (p *Pool) retryOrFail(ctx context.Context, job *queue.Job) {
	if job.Attempts < p.cfg.MaxAttempts {
		if err := p.queue.Release(ctx, *job); err != nil {
			p.log.LogErrorf("job %s release failed: %v", job.ID, err)
		}
		return
	}
	p.finish(ctx, job, queue.StatusFailed)
}

// finish makes the terminal write and, for the single winner, decrements
// the crawl's active counter.
func (p *Pool) finish(ctx context.Context, job *queue.Job, status queue.Status) {
	won, err := p.queue.MarkTerminal(ctx, job, status)
	if err != nil {
		p.log.LogErrorf("job %s terminal write failed: %v", job.ID, err)
	}
	if !won {
		return
	}
	if err := p.tracker.OnTerminal(ctx, job.CrawlID, crawl.Outcome{Success: status == queue.StatusSuccess}); err != nil {
		p.log.LogErrorf("job %s terminal decrement failed: %v", job.ID, err)
	}
}

func (p *Pool) processSitemap(ctx context.Context, c *crawl.Crawl, job *queue.Job) {
	doc, err := p.fetch(ctx, c, job)
	if err != nil {
		// Sitemaps are best-effort discovery; any failure is terminal.
		p.log.LogWarnf("sitemap fetch failed for %s: %v", job.URL, err)
		p.finish(ctx, job, queue.StatusFailed)
		return
	}

	parsed, err := sitemap.Parse([]byte(doc.HTML))
	if err != nil {
		p.log.LogWarnf("sitemap parse failed for %s: %v", job.URL, err)
		p.finish(ctx, job, queue.StatusFailed)
		return
	}

	if job.Depth < maxSitemapDepth {
		for _, child := range parsed.Children {
			p.enqueue(ctx, c.ID, queue.NewJob(c.ID, child, job.Depth+1, queue.KindSitemap))
		}
	}

	rules := c.FrontierRules()
	for _, u := range parsed.URLs {
		decision, norm, err := p.frontier.Accept(ctx, rules, u, 1)
		if err != nil || decision != frontier.Accepted {
			continue
		}
		if !p.robots.Allowed(ctx, norm) {
			if rerr := p.frontier.ReleaseSlot(ctx, rules); rerr != nil {
				p.log.LogErrorf("slot release failed for %s: %v", norm, rerr)
			}
			continue
		}
		p.enqueue(ctx, c.ID, queue.NewJob(c.ID, norm, 1, queue.KindPage))
	}

	p.finish(ctx, job, queue.StatusSuccess)
}
