package store

import (
	"context"
	"sync"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	freshness time.Duration
	now       clock
	products  map[string]map[string]productRecord
	seq       uint64
	runs      map[string]model.ScrapeRun
	reports   map[string][]model.Report
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(freshness time.Duration) *MemoryStore {
	return &MemoryStore{
		freshness: freshness,
		now:       time.Now,
		products:  make(map[string]map[string]productRecord),
		runs:      make(map[string]model.ScrapeRun),
		reports:   make(map[string][]model.Report),
	}
}

// SetClock replaces the time source used for the freshness window.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// LoadExisting implements Store.
func (s *MemoryStore) LoadExisting(ctx context.Context, keyword string, minCount int) ([]model.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.products[NormalizeKeyword(keyword)]
	records := make([]productRecord, 0, len(byID))
	for _, r := range byID {
		records = append(records, r)
	}
	return fresh(inSaveOrder(records), s.now.cutoff(s.freshness), minCount), nil
}

// SaveBatch implements Store.
func (s *MemoryStore) SaveBatch(ctx context.Context, products []model.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range products {
		key := NormalizeKeyword(p.Keyword)
		byID, ok := s.products[key]
		if !ok {
			byID = make(map[string]productRecord)
			s.products[key] = byID
		}
		s.seq++
		byID[p.ID] = productRecord{Seq: s.seq, Product: p}
	}
	return nil
}

// SaveRun implements Store.
func (s *MemoryStore) SaveRun(ctx context.Context, run model.ScrapeRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return nil
}

// Runs implements Store.
func (s *MemoryStore) Runs(ctx context.Context, keyword string, limit int) ([]model.ScrapeRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := NormalizeKeyword(keyword)

	s.mu.RLock()
	var out []model.ScrapeRun
	for _, r := range s.runs {
		if NormalizeKeyword(r.Keyword) == key {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	return newestRunsFirst(out, limit), nil
}

// SaveReport implements Store.
func (s *MemoryStore) SaveReport(ctx context.Context, report *model.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := NormalizeKeyword(report.Keyword)
	s.mu.Lock()
	s.reports[key] = append(s.reports[key], *report)
	s.mu.Unlock()
	return nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, keyword string, limit int) ([]model.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	saved := s.reports[NormalizeKeyword(keyword)]
	var out []model.Report
	for i := len(saved) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, saved[i])
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
