package store

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clockSetter interface {
	Store
	SetClock(func() time.Time)
}

// backends returns every Store implementation testable without a server.
func backends(t *testing.T) map[string]clockSetter {
	t.Helper()

	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "insights.db"), 24*time.Hour)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { bolt.Close() })

	out := map[string]clockSetter{
		"memory": NewMemoryStore(24 * time.Hour),
		"bolt":   bolt,
	}
	for _, s := range out {
		s.SetClock(func() time.Time { return testNow })
	}
	return out
}

func products(keyword string, n int, scrapedAt time.Time) []model.Product {
	out := make([]model.Product, n)
	for i := range out {
		out[i] = model.Product{
			ID:          string(rune('A'+i)) + "000000001",
			Title:       "Wireless ergonomic mouse",
			Price:       model.Float(10 + float64(i)),
			ReviewCount: 100 * i,
			Keyword:     keyword,
			ScrapedAt:   scrapedAt,
		}
	}
	return out
}

// =============================================================================
// LoadExisting Tests
// =============================================================================

func TestStore_LoadExisting(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveBatch(ctx, products("wireless mouse", 5, testNow.Add(-time.Hour))); err != nil {
				t.Fatalf("SaveBatch() error = %v", err)
			}

			got, err := s.LoadExisting(ctx, "wireless mouse", 5)
			if err != nil {
				t.Fatalf("LoadExisting() error = %v", err)
			}
			if len(got) != 5 {
				t.Errorf("LoadExisting() len = %d, want 5", len(got))
			}

			got, err = s.LoadExisting(ctx, "wireless mouse", 6)
			if err != nil {
				t.Fatalf("LoadExisting() error = %v", err)
			}
			if got != nil {
				t.Errorf("LoadExisting() below minCount = %d products, want nil", len(got))
			}
		})
	}
}

func TestStore_LoadExistingNormalizesKeyword(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveBatch(ctx, products("Wireless  Mouse", 3, testNow)); err != nil {
				t.Fatalf("SaveBatch() error = %v", err)
			}
			got, err := s.LoadExisting(ctx, " wireless mouse ", 1)
			if err != nil {
				t.Fatalf("LoadExisting() error = %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("LoadExisting() len = %d, want 3", len(got))
			}
			if got[0].Keyword != "Wireless  Mouse" {
				t.Errorf("Keyword = %q, want %q", got[0].Keyword, "Wireless  Mouse")
			}
		})
	}
}

func TestStore_LoadExistingKeepsSaveOrder(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			batch := []model.Product{
				{ID: "Z000000001", Title: "Zippered laptop sleeve", PurchasedLastMonth: 100, Keyword: "sleeve", ScrapedAt: testNow},
				{ID: "A000000001", Title: "Anti-shock laptop sleeve", PurchasedLastMonth: 100, Keyword: "sleeve", ScrapedAt: testNow},
				{ID: "M000000001", Title: "Minimal felt laptop sleeve", PurchasedLastMonth: 40, Keyword: "sleeve", ScrapedAt: testNow},
			}
			if err := s.SaveBatch(ctx, batch); err != nil {
				t.Fatalf("SaveBatch() error = %v", err)
			}

			got, err := s.LoadExisting(ctx, "sleeve", 1)
			if err != nil {
				t.Fatalf("LoadExisting() error = %v", err)
			}
			if len(got) != len(batch) {
				t.Fatalf("LoadExisting() len = %d, want %d", len(got), len(batch))
			}
			for i := range batch {
				if got[i].ID != batch[i].ID {
					t.Errorf("LoadExisting()[%d].ID = %s, want %s", i, got[i].ID, batch[i].ID)
				}
			}

			// A later scrape in a different order replaces the stored order.
			rescrape := []model.Product{batch[2], batch[0], batch[1]}
			if err := s.SaveBatch(ctx, rescrape); err != nil {
				t.Fatalf("SaveBatch() error = %v", err)
			}
			got, _ = s.LoadExisting(ctx, "sleeve", 1)
			for i := range rescrape {
				if got[i].ID != rescrape[i].ID {
					t.Errorf("after rescrape [%d].ID = %s, want %s", i, got[i].ID, rescrape[i].ID)
				}
			}
		})
	}
}

func TestStore_LoadExistingFreshness(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			batch := products("desk lamp", 4, testNow.Add(-2*time.Hour))
			batch[0].ScrapedAt = testNow.Add(-25 * time.Hour)
			batch[1].ScrapedAt = testNow.Add(-48 * time.Hour)
			if err := s.SaveBatch(ctx, batch); err != nil {
				t.Fatalf("SaveBatch() error = %v", err)
			}

			got, err := s.LoadExisting(ctx, "desk lamp", 1)
			if err != nil {
				t.Fatalf("LoadExisting() error = %v", err)
			}
			if len(got) != 2 {
				t.Errorf("LoadExisting() fresh len = %d, want 2", len(got))
			}

			got, err = s.LoadExisting(ctx, "desk lamp", 3)
			if err != nil {
				t.Fatalf("LoadExisting() error = %v", err)
			}
			if got != nil {
				t.Errorf("LoadExisting() with stale rows = %d products, want nil", len(got))
			}
		})
	}
}

func TestStore_LoadExistingUnknownKeyword(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.LoadExisting(context.Background(), "nothing saved", 0)
			if err != nil {
				t.Fatalf("LoadExisting() error = %v", err)
			}
			if got != nil {
				t.Errorf("LoadExisting() = %v, want nil", got)
			}
		})
	}
}

// =============================================================================
// SaveBatch Tests
// =============================================================================

func TestStore_SaveBatchUpserts(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first := products("usb hub", 2, testNow)
			if err := s.SaveBatch(ctx, first); err != nil {
				t.Fatalf("SaveBatch() error = %v", err)
			}

			updated := first[0]
			updated.Price = model.Float(99.5)
			updated.Seller = "Hub Store"
			if err := s.SaveBatch(ctx, []model.Product{updated}); err != nil {
				t.Fatalf("SaveBatch() error = %v", err)
			}

			got, err := s.LoadExisting(ctx, "usb hub", 0)
			if err != nil {
				t.Fatalf("LoadExisting() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("LoadExisting() len = %d, want 2", len(got))
			}
			var saved model.Product
			for _, p := range got {
				if p.ID == updated.ID {
					saved = p
				}
			}
			if saved.PriceValue() != 99.5 {
				t.Errorf("Price = %v, want 99.5", saved.PriceValue())
			}
			if saved.Seller != "Hub Store" {
				t.Errorf("Seller = %q, want %q", saved.Seller, "Hub Store")
			}
		})
	}
}

func TestStore_SaveBatchKeepsKeywordsApart(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			batch := append(products("mouse", 2, testNow), products("keyboard", 3, testNow)...)
			if err := s.SaveBatch(ctx, batch); err != nil {
				t.Fatalf("SaveBatch() error = %v", err)
			}

			mice, _ := s.LoadExisting(ctx, "mouse", 0)
			keyboards, _ := s.LoadExisting(ctx, "keyboard", 0)
			if len(mice) != 2 {
				t.Errorf("mouse products = %d, want 2", len(mice))
			}
			if len(keyboards) != 3 {
				t.Errorf("keyboard products = %d, want 3", len(keyboards))
			}
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveBatch(ctx, products("mouse", 1, testNow)); err == nil {
				t.Error("SaveBatch() with cancelled context should fail")
			}
			if _, err := s.History(ctx, "mouse", 1); err == nil {
				t.Error("History() with cancelled context should fail")
			}
		})
	}
}

// =============================================================================
// Run Record Tests
// =============================================================================

func TestStore_Runs(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			older := model.ScrapeRun{ID: "run-1", Keyword: "mouse", Status: model.RunRunning, StartedAt: testNow.Add(-time.Hour)}
			newer := model.ScrapeRun{ID: "run-2", Keyword: "mouse", Status: model.RunSkipped, StartedAt: testNow}
			other := model.ScrapeRun{ID: "run-3", Keyword: "lamp", Status: model.RunFailed, StartedAt: testNow}
			for _, r := range []model.ScrapeRun{older, newer, other} {
				if err := s.SaveRun(ctx, r); err != nil {
					t.Fatalf("SaveRun() error = %v", err)
				}
			}

			done := testNow.Add(-30 * time.Minute)
			older.Status = model.RunSuccess
			older.ProductCount = 42
			older.CompletedAt = &done
			if err := s.SaveRun(ctx, older); err != nil {
				t.Fatalf("SaveRun() update error = %v", err)
			}

			runs, err := s.Runs(ctx, "mouse", 0)
			if err != nil {
				t.Fatalf("Runs() error = %v", err)
			}
			if len(runs) != 2 {
				t.Fatalf("Runs() len = %d, want 2", len(runs))
			}
			if runs[0].ID != "run-2" {
				t.Errorf("Runs()[0].ID = %s, want run-2", runs[0].ID)
			}
			if runs[1].Status != model.RunSuccess {
				t.Errorf("updated run Status = %s, want %s", runs[1].Status, model.RunSuccess)
			}
			if runs[1].ProductCount != 42 {
				t.Errorf("updated run ProductCount = %d, want 42", runs[1].ProductCount)
			}
			if runs[1].CompletedAt == nil || !runs[1].CompletedAt.Equal(done) {
				t.Errorf("updated run CompletedAt = %v, want %v", runs[1].CompletedAt, done)
			}

			limited, _ := s.Runs(ctx, "mouse", 1)
			if len(limited) != 1 {
				t.Errorf("Runs(limit 1) len = %d, want 1", len(limited))
			}
		})
	}
}

// =============================================================================
// Report History Tests
// =============================================================================

func TestStore_History(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				r := &model.Report{
					Keyword:         "Mouse",
					CompetitorCount: i + 1,
					DifficultyScore: float64(i),
					PriceGaps:       []model.PriceGap{{Label: "$1.00-$2.00", Min: 1, Max: 2}},
					CreatedAt:       testNow.Add(time.Duration(i) * time.Minute),
				}
				if err := s.SaveReport(ctx, r); err != nil {
					t.Fatalf("SaveReport() error = %v", err)
				}
			}

			history, err := s.History(ctx, "mouse", 0)
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("History() len = %d, want 3", len(history))
			}
			for i, want := range []int{3, 2, 1} {
				if history[i].CompetitorCount != want {
					t.Errorf("History()[%d].CompetitorCount = %d, want %d", i, history[i].CompetitorCount, want)
				}
			}
			if len(history[0].PriceGaps) != 1 {
				t.Errorf("History()[0].PriceGaps len = %d, want 1", len(history[0].PriceGaps))
			}

			limited, err := s.History(ctx, "mouse", 2)
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if len(limited) != 2 || limited[0].CompetitorCount != 3 {
				t.Errorf("History(limit 2) = %d reports, want 2 newest first", len(limited))
			}

			none, _ := s.History(ctx, "lamp", 5)
			if len(none) != 0 {
				t.Errorf("History(unknown) len = %d, want 0", len(none))
			}
		})
	}
}

// =============================================================================
// Bolt Tests
// =============================================================================

func TestBoltStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "insights.db")

	s, err := NewBoltStore(path, 0)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	if err := s.SaveBatch(ctx, products("mouse", 2, testNow)); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}
	if err := s.SaveReport(ctx, &model.Report{Keyword: "mouse", CompetitorCount: 2}); err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = NewBoltStore(path, 0)
	if err != nil {
		t.Fatalf("NewBoltStore() reopen error = %v", err)
	}
	defer s.Close()

	got, err := s.LoadExisting(ctx, "mouse", 2)
	if err != nil {
		t.Fatalf("LoadExisting() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("LoadExisting() after reopen len = %d, want 2", len(got))
	}
	history, _ := s.History(ctx, "mouse", 0)
	if len(history) != 1 {
		t.Errorf("History() after reopen len = %d, want 1", len(history))
	}
	if s.Path() != path {
		t.Errorf("Path() = %s, want %s", s.Path(), path)
	}
}

func TestBoltStore_EmptyKeyword(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "insights.db"), 0)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	if err := s.SaveBatch(context.Background(), products("  ", 1, testNow)); err == nil {
		t.Error("SaveBatch() with empty keyword should fail")
	}
}

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := mem.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T, want *MemoryStore", mem)
	}

	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "insights.db")
	bolt, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open(bolt) error = %v", err)
	}
	defer bolt.Close()
	if _, ok := bolt.(*BoltStore); !ok {
		t.Errorf("Open(bolt) = %T, want *BoltStore", bolt)
	}

	if _, err := Open(ctx, Config{Driver: "sqlite"}); err == nil {
		t.Error("Open(sqlite) should fail")
	}
	if _, err := Open(ctx, Config{Driver: DriverPostgres}); err == nil {
		t.Error("Open(postgres) without DSN should fail")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Driver != DriverBolt {
		t.Errorf("Driver = %s, want %s", cfg.Driver, DriverBolt)
	}
	if cfg.MinExisting != 30 {
		t.Errorf("MinExisting = %d, want 30", cfg.MinExisting)
	}
	if cfg.Freshness != 24*time.Hour {
		t.Errorf("Freshness = %v, want 24h", cfg.Freshness)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestNormalizeKeyword(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Wireless Mouse", "wireless mouse"},
		{"  wireless   mouse ", "wireless mouse"},
		{"무선 마우스", "무선 마우스"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeKeyword(tt.in); got != tt.want {
			t.Errorf("NormalizeKeyword(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

func maxPlaceholder(sql string) int {
	n := 0
	for _, m := range placeholder.FindAllStringSubmatch(sql, -1) {
		v := 0
		for _, c := range m[1] {
			v = v*10 + int(c-'0')
		}
		if v > n {
			n = v
		}
	}
	return n
}

func TestPostgres_ArgsMatchPlaceholders(t *testing.T) {
	p := products("Mouse", 1, testNow)[0]
	run := model.ScrapeRun{ID: "r", Keyword: "Mouse", Status: model.RunRunning}

	tests := []struct {
		name string
		sql  string
		args []any
	}{
		{"product", upsertProductSQL, productArgs(p)},
		{"run", upsertRunSQL, runArgs(run)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maxPlaceholder(tt.sql); got != len(tt.args) {
				t.Errorf("placeholders = %d, want %d args", got, len(tt.args))
			}
		})
	}

	if productArgs(p)[0] != "mouse" {
		t.Errorf("productArgs keyword = %v, want mouse", productArgs(p)[0])
	}
	if productArgs(p)[1] != "Mouse" {
		t.Errorf("productArgs search keyword = %v, want Mouse", productArgs(p)[1])
	}
	if runArgs(run)[2] != "running" {
		t.Errorf("runArgs status = %v, want running", runArgs(run)[2])
	}
}

func TestSQLLimit(t *testing.T) {
	if got := sqlLimit(0); got != nil {
		t.Errorf("sqlLimit(0) = %v, want nil", got)
	}
	if got := sqlLimit(5); got != 5 {
		t.Errorf("sqlLimit(5) = %v, want 5", got)
	}
}

func TestSchemaIdempotent(t *testing.T) {
	for _, stmt := range Schema {
		if !regexp.MustCompile(`IF NOT EXISTS`).MatchString(stmt) {
			t.Errorf("schema statement not idempotent: %.40s", stmt)
		}
	}
}
