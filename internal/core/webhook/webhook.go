package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"crawlengine/internal/logger"
)

// EventType enumerates crawl lifecycle events.
type EventType string

const (
	EventCrawlStarted   EventType = "crawl.started"
	EventCrawlPage      EventType = "crawl.page"
	EventCrawlCompleted EventType = "crawl.completed"
	EventCrawlFailed    EventType = "crawl.failed"
)

// Event is one delivery. Data is the page payload for crawl.page events.
type Event struct {
	Event     EventType       `json:"event"`
	CrawlID   string          `json:"crawl_id"`
	URL       string          `json:"url,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Target is where a crawl's events go.
type Target struct {
	URL     string
	Headers map[string]string
}

type delivery struct {
	target Target
	event  Event
}

// Dispatcher delivers events with at-least-once semantics and bounded
// retry/backoff. Ordering across crawl.page deliveries is best-effort.
type Dispatcher struct {
	client     *http.Client
	secret     string
	maxRetries int
	log        *logger.Logger

	ch   chan delivery
	wg   sync.WaitGroup
	once sync.Once
}

type Config struct {
	SystemAuthSecret string
	MaxRetries       int
	BufferSize       int
	Senders          int
}

func New(cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Senders <= 0 {
		cfg.Senders = 4
	}
	d := &Dispatcher{
		client:     &http.Client{Timeout: 10 * time.Second},
		secret:     cfg.SystemAuthSecret,
		maxRetries: cfg.MaxRetries,
		log:        logger.New("WebhookDispatcher"),
		ch:         make(chan delivery, cfg.BufferSize),
	}
	for i := 0; i < cfg.Senders; i++ {
		d.wg.Add(1)
		go d.sender()
	}
	return d
}

// enqueueWait bounds how long Dispatch blocks on a full buffer before
// shedding the event, so a dead endpoint cannot stall the worker path
// indefinitely.
const enqueueWait = 5 * time.Second

// Dispatch queues an event for delivery. A full buffer applies backpressure
// up to enqueueWait, so bursts of page events on a slow endpoint are
// absorbed rather than shed; only a sustained stall drops events.
func (d *Dispatcher) Dispatch(target Target, event Event) {
	if target.URL == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case d.ch <- delivery{target: target, event: event}:
		return
	default:
	}
	t := time.NewTimer(enqueueWait)
	defer t.Stop()
	select {
	case d.ch <- delivery{target: target, event: event}:
	case <-t.C:
		d.log.LogWarnf("webhook buffer stalled, dropping %s for crawl %s", event.Event, event.CrawlID)
	}
}

// Close drains pending deliveries and stops the senders.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.ch) })
	d.wg.Wait()
}

func (d *Dispatcher) sender() {
	defer d.wg.Done()
	for del := range d.ch {
		if err := d.Send(context.Background(), del.target, del.event); err != nil {
			d.log.LogWarnf("webhook %s for crawl %s undeliverable: %v", del.event.Event, del.event.CrawlID, err)
		}
	}
}

// Send delivers one event synchronously with bounded retry/backoff.
func (d *Dispatcher) Send(ctx context.Context, target Target, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	return retry.Do(
		func() error { return d.post(ctx, target, event, payload) },
		retry.Attempts(uint(d.maxRetries)),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (d *Dispatcher) post(ctx context.Context, target Target, event Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CrawlEngine/1.0")
	req.Header.Set("X-Crawl-Event", string(event.Event))
	req.Header.Set("X-Crawl-ID", event.CrawlID)

	if d.secret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-System-Timestamp", timestamp)
		req.Header.Set("X-System-Signature", d.sign(timestamp, payload))
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Unrecoverable(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

// sign computes the HMAC-SHA256 of timestamp+body the receiving system
// verifies.
func (d *Dispatcher) sign(timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(d.secret))
	h.Write([]byte(timestamp))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
