package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"crawlengine/internal/logger"
	"crawlengine/internal/utils/urlutil"
)

const maxBodyBytes = 10 << 20

// HTTPFetcher is the default plain-network fetch capability.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	log       *logger.Logger
}

func NewHTTPFetcher(userAgent string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		log:       logger.New("HTTPFetcher"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, opts Options) (*Document, error) {
	if len(opts.Actions) > 0 {
		// Page actions need a rendering backend; the plain fetcher has no
		// page handle to run them against.
		return nil, &PermanentError{Err: fmt.Errorf("page actions require a rendering fetcher")}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.client.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("build request: %w", err)}
	}

	profile := profileFor(urlutil.Hostname(url))
	req.Header.Set("Accept", profile.Accept)
	req.Header.Set("Accept-Language", profile.AcceptLanguage)
	ua := opts.UserAgent
	if ua == "" {
		ua = f.userAgent
	}
	if ua == "" {
		ua = profile.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	if cerr := ClassifyStatus(resp.StatusCode); cerr != nil {
		f.log.LogDebugf("fetch %s status=%d", url, resp.StatusCode)
		return nil, cerr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read body: %w", err)}
	}

	return &Document{
		URL:        url,
		StatusCode: resp.StatusCode,
		HTML:       string(body),
		Metadata:   Metadata{SourceURL: url},
	}, nil
}
