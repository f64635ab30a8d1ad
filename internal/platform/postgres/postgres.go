package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"crawlengine/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS crawls (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	base_url TEXT NOT NULL,
	config JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS scrape_results (
	id TEXT PRIMARY KEY,
	crawl_id TEXT NOT NULL REFERENCES crawls(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_scrape_results_crawl_id ON scrape_results(crawl_id);
`

type Service struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func New(ctx context.Context, url string) (*Service, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &Service{pool: pool, log: logger.New("Postgres")}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) Pool() *pgxpool.Pool { return s.pool }
func (s *Service) Close()              { s.pool.Close() }

// Migrate applies the crawl schema. Statements are idempotent.
func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.log.LogDebug("schema applied")
	return nil
}

func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %v", err)
	}
	return nil
}
