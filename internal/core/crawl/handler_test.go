package crawl_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlengine/internal/core/crawl"
)

func newTestApp(t *testing.T) (*fiber.App, *serviceHarness) {
	t.Helper()
	h := newServiceHarness(t)
	app := fiber.New()
	handler := crawl.NewHandler(h.svc)
	app.Post("/v1/crawl", handler.HandleCreateCrawl)
	app.Get("/v1/crawl/:crawlId", handler.HandleGetCrawl)
	app.Get("/v1/crawl/:crawlId/results", handler.HandleGetResults)
	return app, h
}

func TestHandleCreateCrawlRejectsInvalidBody(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest("POST", "/v1/crawl", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleCreateCrawlRejectsBadURL(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest("POST", "/v1/crawl", strings.NewReader(`{"url":"ftp://example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleGetCrawlNotFound(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/crawl/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleGetResultsNotFound(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/crawl/nope/results", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
