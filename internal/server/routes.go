package server

import (
	"github.com/gofiber/fiber/v2"

	"crawlengine/internal/core/crawl"
	"crawlengine/internal/health"
	"crawlengine/internal/platform/postgres"
	"crawlengine/internal/platform/redis"
)

type Dependencies struct {
	Crawl    *crawl.Service
	Redis    *redis.Service
	Postgres *postgres.Service
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	// Health endpoints
	healthHandler := health.NewHealthHandler(d.Redis, d.Postgres)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	crawlHandler := crawl.NewHandler(d.Crawl)
	api.Post("/crawl", crawlHandler.HandleCreateCrawl)
	api.Get("/crawl/:crawlId", crawlHandler.HandleGetCrawl)
	api.Get("/crawl/:crawlId/results", crawlHandler.HandleGetResults)

	return healthHandler
}
