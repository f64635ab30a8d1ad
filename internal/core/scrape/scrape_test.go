package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, ClassifyStatus(200))
	assert.NoError(t, ClassifyStatus(301))

	assert.ErrorIs(t, ClassifyStatus(429), ErrRateLimited)

	err := ClassifyStatus(404)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))

	err = ClassifyStatus(503)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestClassifyNetErrPassesContextErrors(t *testing.T) {
	assert.ErrorIs(t, ClassifyNetErr(context.Canceled), context.Canceled)
	assert.ErrorIs(t, ClassifyNetErr(context.DeadlineExceeded), context.DeadlineExceeded)
	assert.True(t, IsTransient(ClassifyNetErr(fmt.Errorf("connection refused"))))
}

func TestHTTPFetcherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte("<html><head><title>Hi</title></head><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher("TestBot/1.0", 5*time.Second)
	doc, err := f.Fetch(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, 200, doc.StatusCode)
	assert.Contains(t, doc.HTML, "<title>Hi</title>")
}

func TestHTTPFetcherStatusClassification(t *testing.T) {
	status := 500
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	f := NewHTTPFetcher("TestBot/1.0", 5*time.Second)

	_, err := f.Fetch(context.Background(), srv.URL, Options{})
	assert.True(t, IsTransient(err))

	status = 404
	_, err = f.Fetch(context.Background(), srv.URL, Options{})
	assert.True(t, IsPermanent(err))

	status = 429
	_, err = f.Fetch(context.Background(), srv.URL, Options{})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHTTPFetcherRejectsActions(t *testing.T) {
	f := NewHTTPFetcher("TestBot/1.0", 5*time.Second)
	_, err := f.Fetch(context.Background(), "https://example.com", Options{
		Actions: []Action{{Kind: ActionClick, Selector: "#btn"}},
	})
	assert.True(t, IsPermanent(err), "plain fetcher cannot run page actions")
}

func TestConvertFillsDocument(t *testing.T) {
	html := `<!DOCTYPE html>
<html lang="en">
<head>
<title>Post One</title>
<meta name="description" content="a post">
<meta property="og:title" content="Post One OG">
<link rel="canonical" href="https://example.com/blog/post-1">
</head>
<body>
<main>
<h1>Post One</h1>
<p>Body text with a <a href="/blog/post-2">relative link</a> and an
<a href="https://other.com/page">external link</a>.</p>
<a href="/blog/post-2#comments">same page anchor</a>
<a href="mailto:hi@example.com">mail</a>
</main>
</body>
</html>`

	doc := &Document{URL: "https://example.com/blog/post-1", HTML: html}
	Convert(doc)

	assert.Equal(t, "Post One", doc.Title)
	assert.Equal(t, "a post", doc.Metadata.Description)
	assert.Equal(t, "Post One OG", doc.Metadata.OgTitle)
	assert.Equal(t, "en", doc.Metadata.Language)
	assert.Equal(t, "https://example.com/blog/post-1", doc.Metadata.Canonical)
	assert.Contains(t, doc.Markdown, "Post One")

	// Fragment variants collapse into one link; non-http schemes drop out.
	assert.Equal(t, []string{
		"https://example.com/blog/post-2",
		"https://other.com/page",
	}, doc.Links)
}

func TestRunActionsUnknownKind(t *testing.T) {
	err := RunActions(context.Background(), nil, []Action{{Kind: "hover"}})
	assert.Error(t, err)
}
