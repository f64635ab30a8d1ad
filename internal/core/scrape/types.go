package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Document is the fetch output handed to conversion and link discovery.
type Document struct {
	URL        string          `json:"url"`
	StatusCode int             `json:"status_code"`
	HTML       string          `json:"html,omitempty"`
	Markdown   string          `json:"markdown,omitempty"`
	Title      string          `json:"title,omitempty"`
	Links      []string        `json:"links,omitempty"`
	Metadata   Metadata        `json:"metadata"`
	Extracted  json.RawMessage `json:"extracted,omitempty"`
}

type Metadata struct {
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
	Canonical   string `json:"canonical,omitempty"`
	OgTitle     string `json:"og_title,omitempty"`
	OgImage     string `json:"og_image,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
}

// Options controls a single fetch.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	Headers   map[string]string
	Actions   []Action
}

// Fetcher is the pluggable page-fetch capability. The orchestrator
// dispatches on this interface only, never on a concrete backend.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts Options) (*Document, error)
}

// Extractor is the pluggable structured-extraction capability.
type Extractor interface {
	Extract(ctx context.Context, doc *Document, schema json.RawMessage) (json.RawMessage, error)
}

// NoopExtractor satisfies Extractor without a provider wired in.
type NoopExtractor struct{}

func (NoopExtractor) Extract(_ context.Context, _ *Document, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// ActionKind enumerates the closed set of page actions a rendering fetcher
// may execute before capture.
type ActionKind string

const (
	ActionClick  ActionKind = "click"
	ActionType   ActionKind = "type"
	ActionWait   ActionKind = "wait"
	ActionScroll ActionKind = "scroll"
)

// Action is one tagged step in a pre-capture sequence.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Selector string     `json:"selector,omitempty"`
	Text     string     `json:"text,omitempty"`
	Millis   int        `json:"millis,omitempty"`
}

// PageHandle is the capability a rendering backend exposes for actions.
type PageHandle interface {
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Scroll(ctx context.Context) error
}

// RunActions executes actions in order against a page handle. Kinds are
// matched exhaustively; an unknown kind fails the fetch rather than being
// skipped silently.
func RunActions(ctx context.Context, page PageHandle, actions []Action) error {
	for i, a := range actions {
		var err error
		switch a.Kind {
		case ActionClick:
			err = page.Click(ctx, a.Selector)
		case ActionType:
			err = page.Type(ctx, a.Selector, a.Text)
		case ActionWait:
			err = page.WaitFor(ctx, a.Selector, time.Duration(a.Millis)*time.Millisecond)
		case ActionScroll:
			err = page.Scroll(ctx)
		default:
			return fmt.Errorf("action %d: unknown kind %q", i, a.Kind)
		}
		if err != nil {
			return fmt.Errorf("action %d (%s): %w", i, a.Kind, err)
		}
	}
	return nil
}
