package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"crawlengine/internal/core/crawl"
	"crawlengine/internal/logger"
)

// Querier is the subset of pgxpool.Pool the store uses; tests substitute a
// mock.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists crawls and results in the relational schema.
type PostgresStore struct {
	db  Querier
	log *logger.Logger
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db, log: logger.New("ResultStore")}
}

func (s *PostgresStore) SaveCrawl(ctx context.Context, c *crawl.Crawl) error {
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO crawls (id, tenant_id, base_url, config, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config`,
		c.ID, c.TenantID, c.BaseURL, cfg, string(crawl.StatusActive), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("save crawl %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) SetCrawlStatus(ctx context.Context, crawlID string, status crawl.Status) error {
	_, err := s.db.Exec(ctx, `UPDATE crawls SET status = $2 WHERE id = $1`, crawlID, string(status))
	if err != nil {
		return fmt.Errorf("set crawl %s status: %w", crawlID, err)
	}
	return nil
}

func (s *PostgresStore) GetCrawl(ctx context.Context, crawlID string) (*crawl.Crawl, crawl.Status, error) {
	var (
		c      crawl.Crawl
		cfg    []byte
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, base_url, config, status, created_at
		FROM crawls WHERE id = $1`, crawlID).
		Scan(&c.ID, &c.TenantID, &c.BaseURL, &cfg, &status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("crawl not found: %s", crawlID)
	}
	if err != nil {
		return nil, "", err
	}
	if err := json.Unmarshal(cfg, &c.Config); err != nil {
		return nil, "", err
	}
	return &c, crawl.Status(status), nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, r *crawl.Result) error {
	// ON CONFLICT DO NOTHING keeps the table append-only under redelivery.
	_, err := s.db.Exec(ctx, `
		INSERT INTO scrape_results (id, crawl_id, url, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.CrawlID, r.URL, []byte(r.Data), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save result for %s: %w", r.URL, err)
	}
	return nil
}

func (s *PostgresStore) ListResults(ctx context.Context, crawlID string, offset, limit int) ([]crawl.Result, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, crawl_id, url, data, created_at
		FROM scrape_results
		WHERE crawl_id = $1
		ORDER BY created_at ASC
		OFFSET $2 LIMIT $3`, crawlID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []crawl.Result
	for rows.Next() {
		var (
			r    crawl.Result
			data []byte
		)
		if err := rows.Scan(&r.ID, &r.CrawlID, &r.URL, &data, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) CountResults(ctx context.Context, crawlID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_results WHERE crawl_id = $1`, crawlID).Scan(&n)
	return n, err
}
