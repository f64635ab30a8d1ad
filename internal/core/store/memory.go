package store

import (
	"context"
	"fmt"
	"sync"

	"crawlengine/internal/core/crawl"
)

// MemoryStore keeps crawls and results in process memory. Used in
// development when no Postgres is configured, and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	crawls   map[string]*crawl.Crawl
	statuses map[string]crawl.Status
	results  map[string][]crawl.Result
	seen     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		crawls:   make(map[string]*crawl.Crawl),
		statuses: make(map[string]crawl.Status),
		results:  make(map[string][]crawl.Result),
		seen:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) SaveCrawl(_ context.Context, c *crawl.Crawl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.crawls[c.ID] = &cp
	if _, ok := s.statuses[c.ID]; !ok {
		s.statuses[c.ID] = crawl.StatusActive
	}
	return nil
}

func (s *MemoryStore) SetCrawlStatus(_ context.Context, crawlID string, status crawl.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.crawls[crawlID]; !ok {
		return fmt.Errorf("crawl not found: %s", crawlID)
	}
	s.statuses[crawlID] = status
	return nil
}

func (s *MemoryStore) GetCrawl(_ context.Context, crawlID string) (*crawl.Crawl, crawl.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crawls[crawlID]
	if !ok {
		return nil, "", fmt.Errorf("crawl not found: %s", crawlID)
	}
	cp := *c
	return &cp, s.statuses[crawlID], nil
}

func (s *MemoryStore) SaveResult(_ context.Context, r *crawl.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[r.ID]; ok {
		return nil
	}
	s.seen[r.ID] = struct{}{}
	s.results[r.CrawlID] = append(s.results[r.CrawlID], *r)
	return nil
}

func (s *MemoryStore) ListResults(_ context.Context, crawlID string, offset, limit int) ([]crawl.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.results[crawlID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	out := make([]crawl.Result, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

func (s *MemoryStore) CountResults(_ context.Context, crawlID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results[crawlID]), nil
}
