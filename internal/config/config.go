package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	PostgresURL   string

	UserAgent string

	WorkerConcurrency    int
	FetchPermits         int
	PerCrawlConcurrency  int
	LeaseTimeout         time.Duration
	LeaseRenewInterval   time.Duration
	ReclaimInterval      time.Duration
	SettleDelay          time.Duration
	MaxAttempts          int
	DefaultMaxDepth      int
	DefaultLimit         int
	FetchTimeout         time.Duration
	PersistMaxRetries    int
	WebhookMaxRetries    int
	WebhookBufferSize    int
	SystemAuthSecret     string
	RateLimitWindow      time.Duration
	RateLimitBudget      int
	RateLimitBudgetsFile string
	TaskMaxRetries       int

	// Budgets holds per-scope rate budgets loaded from RateLimitBudgetsFile,
	// overriding RateLimitBudget for matching scopes.
	Budgets map[string]int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		PostgresURL:   os.Getenv("POSTGRES_URL"),

		UserAgent: getenv("CRAWLER_USER_AGENT", "CrawlEngineBot/1.0"),

		WorkerConcurrency:    getenvInt("WORKER_CONCURRENCY", 10),
		FetchPermits:         getenvInt("FETCH_PERMITS", 10),
		PerCrawlConcurrency:  getenvInt("PER_CRAWL_CONCURRENCY", 0),
		LeaseTimeout:         getenvDuration("LEASE_TIMEOUT", 60*time.Second),
		LeaseRenewInterval:   getenvDuration("LEASE_RENEW_INTERVAL", 20*time.Second),
		ReclaimInterval:      getenvDuration("RECLAIM_INTERVAL", 15*time.Second),
		SettleDelay:          getenvDuration("SETTLE_DELAY", 500*time.Millisecond),
		MaxAttempts:          getenvInt("MAX_ATTEMPTS", 3),
		DefaultMaxDepth:      getenvInt("DEFAULT_MAX_DEPTH", 3),
		DefaultLimit:         getenvInt("DEFAULT_LIMIT", 100),
		FetchTimeout:         getenvDuration("FETCH_TIMEOUT", 30*time.Second),
		PersistMaxRetries:    getenvInt("PERSIST_MAX_RETRIES", 3),
		WebhookMaxRetries:    getenvInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookBufferSize:    getenvInt("WEBHOOK_BUFFER_SIZE", 1024),
		SystemAuthSecret:     os.Getenv("SYSTEM_AUTH_SECRET"),
		RateLimitWindow:      getenvDuration("RATE_LIMIT_WINDOW", time.Second),
		RateLimitBudget:      getenvInt("RATE_LIMIT_BUDGET", 10),
		RateLimitBudgetsFile: os.Getenv("RATE_LIMIT_BUDGETS_FILE"),
		TaskMaxRetries:       getenvInt("TASK_MAX_RETRIES", 3),
	}
	if cfg.RedisAddr == "" {
		panic(fmt.Errorf("REDIS_ADDR is required"))
	}
	if cfg.RateLimitBudgetsFile != "" {
		budgets, err := loadBudgets(cfg.RateLimitBudgetsFile)
		if err != nil {
			panic(fmt.Errorf("load rate budgets: %w", err))
		}
		cfg.Budgets = budgets
	}
	return cfg
}

// loadBudgets reads a YAML map of scope -> requests-per-window.
func loadBudgets(path string) (map[string]int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Budgets map[string]int `yaml:"budgets"`
	}
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, err
	}
	return file.Budgets, nil
}
