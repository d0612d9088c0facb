// Package store persists scraped products, scrape run records and analysis
// reports.
//
// Three backends share the Store contract: an embedded bbolt file (the
// default), PostgreSQL through pgxpool, and an in-memory map for tests and
// throwaway runs. Keywords are normalized before they are used as keys so
// that "Wireless Mouse" and "wireless mouse " share stored data.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Store is the persistence collaborator of the insights pipeline.
type Store interface {
	// LoadExisting returns the products saved for keyword within the
	// freshness window in the order they were saved, or nil when fewer than
	// minCount exist.
	LoadExisting(ctx context.Context, keyword string, minCount int) ([]model.Product, error)
	// SaveBatch upserts products under their Keyword, keyed by ID. A saved
	// product takes the next position, so a reload returns the latest batch
	// in scrape order.
	SaveBatch(ctx context.Context, products []model.Product) error
	// SaveRun inserts or replaces a run record by ID.
	SaveRun(ctx context.Context, run model.ScrapeRun) error
	// Runs lists run records for keyword, newest first.
	Runs(ctx context.Context, keyword string, limit int) ([]model.ScrapeRun, error)
	// SaveReport appends a report to the keyword's history.
	SaveReport(ctx context.Context, report *model.Report) error
	// History lists reports for keyword, newest first.
	History(ctx context.Context, keyword string, limit int) ([]model.Report, error)
	Close() error
}

// Drivers.
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Driver      string        `json:"driver" yaml:"driver"`
	Path        string        `json:"path" yaml:"path"`
	DSN         string        `json:"dsn" yaml:"dsn"`
	MaxConns    int32         `json:"max_conns" yaml:"max_conns"`
	MinExisting int           `json:"min_existing" yaml:"min_existing"`
	Freshness   time.Duration `json:"freshness" yaml:"freshness"`
}

// DefaultConfig returns the embedded bolt store defaults.
func DefaultConfig() Config {
	return Config{
		Driver:      DriverBolt,
		Path:        "insights.db",
		MaxConns:    4,
		MinExisting: 30,
		Freshness:   24 * time.Hour,
	}
}

// Open creates the backend named by config.Driver.
func Open(ctx context.Context, config Config) (Store, error) {
	switch config.Driver {
	case DriverBolt, "":
		s, err := NewBoltStore(config.Path, config.Freshness)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := NewPostgresStore(ctx, config.DSN, config.MaxConns, config.Freshness)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return NewMemoryStore(config.Freshness), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", config.Driver)
	}
}

// NormalizeKeyword is the storage key form of a keyword.
func NormalizeKeyword(keyword string) string {
	return strings.ToLower(strings.Join(strings.Fields(keyword), " "))
}

// clock is shared by the backends so tests can pin the freshness window.
type clock func() time.Time

func (c clock) cutoff(freshness time.Duration) time.Time {
	if freshness <= 0 {
		return time.Time{}
	}
	return c().Add(-freshness)
}

// productRecord is a stored product with its save position.
type productRecord struct {
	Seq     uint64        `json:"seq"`
	Product model.Product `json:"product"`
}

// inSaveOrder sorts records by position and unwraps them.
func inSaveOrder(records []productRecord) []model.Product {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
	out := make([]model.Product, len(records))
	for i, r := range records {
		out[i] = r.Product
	}
	return out
}

// fresh filters products scraped at or after cutoff and applies minCount.
func fresh(products []model.Product, cutoff time.Time, minCount int) []model.Product {
	var out []model.Product
	for _, p := range products {
		if !p.ScrapedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	if len(out) < minCount || len(out) == 0 {
		return nil
	}
	return out
}

// newestRunsFirst orders runs by start time, newest first, and truncates.
func newestRunsFirst(runs []model.ScrapeRun, limit int) []model.ScrapeRun {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}
