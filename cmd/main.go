package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"crawlengine/internal/config"
	"crawlengine/internal/core/crawl"
	"crawlengine/internal/core/frontier"
	"crawlengine/internal/core/queue"
	"crawlengine/internal/core/ratelimit"
	"crawlengine/internal/core/scrape"
	"crawlengine/internal/core/scrape/robots"
	"crawlengine/internal/core/store"
	"crawlengine/internal/core/webhook"
	"crawlengine/internal/core/worker"
	"crawlengine/internal/logger"
	pg "crawlengine/internal/platform/postgres"
	rds "crawlengine/internal/platform/redis"
	tasks "crawlengine/internal/platform/tasks"
	"crawlengine/internal/server"
)

func main() {
	cfg := config.Load()
	log.Printf("[crawlengine] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.New("main")

	// Redis client
	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	// Result store: Postgres when configured, in-memory otherwise.
	ctx := context.Background()
	var resultStore crawl.ResultStore
	var pgSvc *pg.Service
	if cfg.PostgresURL != "" {
		pgSvc, err = pg.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("postgres connect: %v", err)
		}
		defer pgSvc.Close()
		if err := pgSvc.Migrate(ctx); err != nil {
			log.Fatalf("postgres migrate: %v", err)
		}
		resultStore = store.NewPostgresStore(pgSvc.Pool())
	} else {
		logr.LogWarn("POSTGRES_URL not set, results held in memory only")
		resultStore = store.NewMemoryStore()
	}

	// Asynq client and server
	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{"default": 1},
	})

	// Coordination layer
	tracker := crawl.NewTracker(redisSvc, cfg.SettleDelay)
	jobQueue := queue.New(redisSvc, queue.Config{
		LeaseTimeout: cfg.LeaseTimeout,
		MaxAttempts:  cfg.MaxAttempts,
	})
	linkFrontier := frontier.New(redisSvc)
	robotsCache := robots.NewCache(cfg.UserAgent)
	limiter := ratelimit.New(redisSvc, ratelimit.Config{
		Window:  cfg.RateLimitWindow,
		Budget:  cfg.RateLimitBudget,
		Budgets: cfg.Budgets,
	})
	webhooks := webhook.New(webhook.Config{
		SystemAuthSecret: cfg.SystemAuthSecret,
		MaxRetries:       cfg.WebhookMaxRetries,
		BufferSize:       cfg.WebhookBufferSize,
	})
	defer webhooks.Close()

	crawlSvc := crawl.NewService(resultStore, tracker, jobQueue, linkFrontier, robotsCache, webhooks, taskClient, cfg)

	// Worker pool
	fetcher := scrape.NewHTTPFetcher(cfg.UserAgent, cfg.FetchTimeout)
	pool := worker.NewPool(worker.Config{
		Executors:           cfg.WorkerConcurrency,
		FetchPermits:        cfg.FetchPermits,
		PerCrawlConcurrency: cfg.PerCrawlConcurrency,
		RenewInterval:       cfg.LeaseRenewInterval,
		MaxAttempts:         cfg.MaxAttempts,
		PersistMaxRetries:   cfg.PersistMaxRetries,
		FetchTimeout:        cfg.FetchTimeout,
		RateBehavior:        ratelimit.Defer,
		UserAgent:           cfg.UserAgent,
	}, jobQueue, tracker, linkFrontier, robotsCache, limiter, fetcher, resultStore, webhooks)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	go pool.Run(workerCtx)
	go jobQueue.RunReclaimer(workerCtx, cfg.ReclaimInterval)

	// Kickoff task mux
	mux := tasks.NewMux()
	mux.HandleFunc(tasks.TaskTypeCrawlKickoff, crawlSvc.HandleKickoffTask)
	go func() {
		if err := asynqServer.Start(mux.Mux()); err != nil {
			log.Printf("[worker] stopped: %v\n", err)
		}
	}()

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "Crawl Engine",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})

	deps := server.Dependencies{
		Crawl:    crawlSvc,
		Redis:    redisSvc,
		Postgres: pgSvc,
	}
	healthHandler := server.RegisterRoutes(app, deps)

	// Mark application as ready after all services are initialized
	go func() {
		time.Sleep(2 * time.Second)
		healthHandler.SetReady()
	}()

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		workerCancel()
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
