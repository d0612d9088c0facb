package insights

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/cache"
	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/gatekeeper"
	"github.com/PentesterFlow/MarketInsights/internal/metrics"
	"github.com/PentesterFlow/MarketInsights/internal/model"
	"github.com/PentesterFlow/MarketInsights/internal/scraper"
	"github.com/PentesterFlow/MarketInsights/internal/store"
)

type fakeScraper struct {
	mu       sync.Mutex
	calls    int
	products []model.Product
	err      error
	block    chan struct{}
}

func (f *fakeScraper) Run(ctx context.Context, keyword string, progress scraper.ProgressFunc) (*scraper.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	progress(50, "extracting listings")
	if f.err != nil {
		return nil, f.err
	}
	products := make([]model.Product, len(f.products))
	copy(products, f.products)
	for i := range products {
		products[i].Keyword = keyword
	}
	return &scraper.Result{Products: products, Attempts: 1}, nil
}

func (f *fakeScraper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sampleProducts() []model.Product {
	prices := []float64{10, 12, 15, 40, 42}
	ratings := []float64{4.5, 4.0, 4.8, 3.0, 3.5}
	sales := []int{500, 300, 200, 50, 40}
	products := make([]model.Product, len(prices))
	for i := range prices {
		products[i] = model.Product{
			ID:                  fmt.Sprintf("B00%d", i),
			Title:               fmt.Sprintf("Wireless Mouse Model %d", i),
			Price:               model.Float(prices[i]),
			Rating:              model.Float(ratings[i]),
			ReviewCount:         100 * (i + 1),
			PurchasedLastMonth:  sales[i],
			IsExpeditedShipping: i < 3,
		}
	}
	return products
}

type fixture struct {
	service *Service
	scraper *fakeScraper
	store   *store.MemoryStore
	cache   *cache.MemoryCache
	metrics *metrics.Collector
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		scraper: &fakeScraper{products: sampleProducts()},
		store:   store.NewMemoryStore(24 * time.Hour),
		cache:   cache.NewMemoryCache(time.Hour),
		metrics: metrics.New(),
	}
	all := append([]Option{
		WithStore(f.store),
		WithCache(f.cache),
		WithScraper(f.scraper),
		WithMetrics(f.metrics),
	}, opts...)

	s, err := New(all...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.service = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return f
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		active, queued := s.Busy()
		if !active && queued == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("service still busy")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =============================================================================
// New Tests
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Scrape.MaxProducts = 0

	_, err := New(WithConfig(config), WithStore(store.NewMemoryStore(0)), WithScraper(&fakeScraper{}))
	if err == nil {
		t.Error("New() should fail for an invalid configuration")
	}
}

func TestNew_MemoryBackendsFromConfig(t *testing.T) {
	config := DefaultConfig()
	config.Store.Driver = store.DriverMemory
	config.Cache.Driver = cache.DriverNone

	s, err := New(WithConfig(config), WithScraper(&fakeScraper{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close(context.Background())

	if _, ok := s.store.(*store.MemoryStore); !ok {
		t.Errorf("store = %T, want *store.MemoryStore", s.store)
	}
	if _, ok := s.cache.(cache.Nop); !ok {
		t.Errorf("cache = %T, want cache.Nop", s.cache)
	}
}

func TestNew_OptionsOverrideConfig(t *testing.T) {
	f := newFixture(t, WithMaxProducts(0), WithMaxPages(3), WithDetails(false), WithQueueLimit(-2))

	cfg := f.service.Config()
	if cfg.Scrape.MaxProducts != 1 {
		t.Errorf("Scrape.MaxProducts = %d, want 1", cfg.Scrape.MaxProducts)
	}
	if cfg.Scrape.MaxPages != 3 {
		t.Errorf("Scrape.MaxPages = %d, want 3", cfg.Scrape.MaxPages)
	}
	if cfg.Scrape.FetchDetails {
		t.Error("Scrape.FetchDetails should be false")
	}
	if cfg.Gatekeeper.QueueLimit != 0 {
		t.Errorf("Gatekeeper.QueueLimit = %d, want 0", cfg.Gatekeeper.QueueLimit)
	}
}

// =============================================================================
// Pipeline Tests
// =============================================================================

func TestRunAnalysis_ScrapePath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var events []model.ProgressEvent
	report, err := f.service.RunAnalysis(ctx, "  wireless mouse ", gatekeeper.SubmitOptions{}, func(ev model.ProgressEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("RunAnalysis() error = %v", err)
	}

	if report.Keyword != "wireless mouse" {
		t.Errorf("Keyword = %q, want %q", report.Keyword, "wireless mouse")
	}
	if report.Source != model.SourceScrape {
		t.Errorf("Source = %s, want %s", report.Source, model.SourceScrape)
	}
	if report.CompetitorCount != 5 {
		t.Errorf("CompetitorCount = %d, want 5", report.CompetitorCount)
	}
	if report.ExpeditedPercentage != 60.0 {
		t.Errorf("ExpeditedPercentage = %v, want 60", report.ExpeditedPercentage)
	}
	if f.scraper.Calls() != 1 {
		t.Errorf("scraper calls = %d, want 1", f.scraper.Calls())
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if last.Kind != model.EventCompleted {
		t.Errorf("last event = %s, want completed", last.Kind)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Percent < events[i-1].Percent {
			t.Errorf("event %d percent %d < previous %d", i, events[i].Percent, events[i-1].Percent)
		}
	}
}

func TestRunAnalysis_ScrapePathPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.RunAnalysis(ctx, "wireless mouse", gatekeeper.SubmitOptions{}, nil); err != nil {
		t.Fatalf("RunAnalysis() error = %v", err)
	}
	waitIdle(t, f.service)

	history, err := f.service.History(ctx, "wireless mouse", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(history))
	}

	runs, err := f.service.Runs(ctx, "wireless mouse", 10)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(Runs) = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != model.RunSuccess {
		t.Errorf("run.Status = %s, want success", run.Status)
	}
	if run.ProductCount != 5 {
		t.Errorf("run.ProductCount = %d, want 5", run.ProductCount)
	}
	if run.Attempts != 1 {
		t.Errorf("run.Attempts = %d, want 1", run.Attempts)
	}
	if run.CompletedAt == nil {
		t.Error("run.CompletedAt should be set")
	}

	cached, err := f.cache.Get(ctx, "wireless mouse")
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if cached == nil {
		t.Fatal("report was not cached")
	}
	if cached.CompetitorCount != 5 {
		t.Errorf("cached CompetitorCount = %d, want 5", cached.CompetitorCount)
	}
}

func TestRunAnalysis_CacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.RunAnalysis(ctx, "wireless mouse", gatekeeper.SubmitOptions{}, nil); err != nil {
		t.Fatalf("first RunAnalysis() error = %v", err)
	}
	waitIdle(t, f.service)

	report, err := f.service.RunAnalysis(ctx, "wireless mouse", gatekeeper.SubmitOptions{}, nil)
	if err != nil {
		t.Fatalf("second RunAnalysis() error = %v", err)
	}
	if report.Source != model.SourceCache {
		t.Errorf("Source = %s, want %s", report.Source, model.SourceCache)
	}
	if f.scraper.Calls() != 1 {
		t.Errorf("scraper calls = %d, want 1", f.scraper.Calls())
	}

	snap := f.metrics.Snapshot()
	if snap.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", snap.CacheHits)
	}
	if snap.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", snap.CacheMisses)
	}
}

func TestRunAnalysis_StoredProducts(t *testing.T) {
	f := newFixture(t, WithCache(cache.Nop{}))
	ctx := context.Background()

	now := time.Now()
	stored := make([]model.Product, 30)
	for i := range stored {
		stored[i] = model.Product{
			ID:                 fmt.Sprintf("S%03d", i),
			Title:              "Stored Wireless Mouse",
			Price:              model.Float(float64(10 + i)),
			PurchasedLastMonth: i,
			Keyword:            "wireless mouse",
			ScrapedAt:          now,
		}
	}
	if err := f.store.SaveBatch(ctx, stored); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	var phases []string
	report, err := f.service.RunAnalysis(ctx, "wireless mouse", gatekeeper.SubmitOptions{}, func(ev model.ProgressEvent) {
		phases = append(phases, ev.Phase)
	})
	if err != nil {
		t.Fatalf("RunAnalysis() error = %v", err)
	}
	if report.Source != model.SourceStored {
		t.Errorf("Source = %s, want %s", report.Source, model.SourceStored)
	}
	if report.CompetitorCount != 30 {
		t.Errorf("CompetitorCount = %d, want 30", report.CompetitorCount)
	}
	if f.scraper.Calls() != 0 {
		t.Errorf("scraper calls = %d, want 0", f.scraper.Calls())
	}

	found := false
	for _, p := range phases {
		if p == "using stored products" {
			found = true
		}
	}
	if !found {
		t.Errorf("phases = %v, want one %q", phases, "using stored products")
	}

	waitIdle(t, f.service)
	runs, err := f.service.Runs(ctx, "wireless mouse", 1)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != model.RunSkipped {
		t.Errorf("runs = %+v, want one skipped run", runs)
	}
	if f.metrics.Snapshot().StoredHits != 1 {
		t.Errorf("StoredHits = %d, want 1", f.metrics.Snapshot().StoredHits)
	}
}

func TestRunAnalysis_StoredProductsKeepScrapeOrder(t *testing.T) {
	f := newFixture(t, WithCache(cache.Nop{}))
	ctx := context.Background()

	now := time.Now()
	stored := make([]model.Product, 30)
	for i := range stored {
		stored[i] = model.Product{
			ID:                 fmt.Sprintf("%c%03d", 'Z'-i%26, i),
			Title:              "Stored Wireless Mouse",
			Price:              model.Float(20),
			PurchasedLastMonth: 100,
			Keyword:            "wireless mouse",
			ScrapedAt:          now,
		}
	}
	if err := f.store.SaveBatch(ctx, stored); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	report, err := f.service.RunAnalysis(ctx, "wireless mouse", gatekeeper.SubmitOptions{}, nil)
	if err != nil {
		t.Fatalf("RunAnalysis() error = %v", err)
	}
	if len(report.TopNProducts) != 10 {
		t.Fatalf("len(TopNProducts) = %d, want 10", len(report.TopNProducts))
	}
	for i, p := range report.TopNProducts {
		if p.ID != stored[i].ID {
			t.Errorf("TopNProducts[%d].ID = %s, want %s", i, p.ID, stored[i].ID)
		}
	}
}

func TestRunAnalysis_TooFewStoredProductsScrapes(t *testing.T) {
	f := newFixture(t, WithCache(cache.Nop{}))
	ctx := context.Background()

	stored := []model.Product{{ID: "S1", Title: "Stored Wireless Mouse", Keyword: "wireless mouse", ScrapedAt: time.Now()}}
	if err := f.store.SaveBatch(ctx, stored); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	report, err := f.service.RunAnalysis(ctx, "wireless mouse", gatekeeper.SubmitOptions{}, nil)
	if err != nil {
		t.Fatalf("RunAnalysis() error = %v", err)
	}
	if report.Source != model.SourceScrape {
		t.Errorf("Source = %s, want %s", report.Source, model.SourceScrape)
	}
	if f.scraper.Calls() != 1 {
		t.Errorf("scraper calls = %d, want 1", f.scraper.Calls())
	}
}

func TestRunAnalysis_ScrapeFailure(t *testing.T) {
	f := newFixture(t)
	f.scraper.err = errors.NewBlockedError("wireless mouse", "scrape", "captcha form")
	ctx := context.Background()

	var last model.ProgressEvent
	_, err := f.service.RunAnalysis(ctx, "wireless mouse", gatekeeper.SubmitOptions{}, func(ev model.ProgressEvent) {
		last = ev
	})
	if err == nil {
		t.Fatal("RunAnalysis() should fail")
	}
	if errors.GetErrorType(err) != errors.Blocked {
		t.Errorf("error type = %v, want blocked", errors.GetErrorType(err))
	}
	if last.Kind != model.EventError {
		t.Errorf("last event = %s, want error", last.Kind)
	}
	if last.Failure == nil || last.Failure.Remedy == "" {
		t.Errorf("Failure = %+v, want a remedy", last.Failure)
	}

	waitIdle(t, f.service)
	runs, err := f.service.Runs(ctx, "wireless mouse", 10)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(Runs) = %d, want 1", len(runs))
	}
	if runs[0].Status != model.RunFailed {
		t.Errorf("run.Status = %s, want failed", runs[0].Status)
	}
	if runs[0].Error == "" {
		t.Error("run.Error should describe the failure")
	}

	history, _ := f.service.History(ctx, "wireless mouse", 10)
	if len(history) != 0 {
		t.Errorf("len(History) = %d, want 0", len(history))
	}
	if cached, _ := f.cache.Get(ctx, "wireless mouse"); cached != nil {
		t.Error("failed analysis should not be cached")
	}
}

func TestRunAnalysis_InvalidKeyword(t *testing.T) {
	f := newFixture(t)

	for _, keyword := range []string{"", "   ", "\t\n"} {
		_, err := f.service.RunAnalysis(context.Background(), keyword, gatekeeper.SubmitOptions{}, nil)
		if errors.GetErrorType(err) != errors.InvalidInput {
			t.Errorf("RunAnalysis(%q) error type = %v, want invalid_input", keyword, errors.GetErrorType(err))
		}
	}
	if f.scraper.Calls() != 0 {
		t.Errorf("scraper calls = %d, want 0", f.scraper.Calls())
	}
}

func TestRunAnalysis_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	f.scraper.block = make(chan struct{})
	defer close(f.scraper.block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.service.RunAnalysis(ctx, "wireless mouse", gatekeeper.SubmitOptions{}, nil)
	if errors.GetErrorType(err) != errors.Cancelled {
		t.Errorf("error type = %v, want cancelled", errors.GetErrorType(err))
	}
}

// =============================================================================
// Admission Tests
// =============================================================================

func TestSubmit_NoQueueBusy(t *testing.T) {
	f := newFixture(t)
	f.scraper.block = make(chan struct{})
	ctx := context.Background()

	first, err := f.service.Submit(ctx, "wireless mouse", gatekeeper.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	_, err = f.service.Submit(ctx, "keyboard", gatekeeper.SubmitOptions{NoQueue: true})
	if errors.GetErrorType(err) != errors.Busy {
		t.Errorf("error type = %v, want busy", errors.GetErrorType(err))
	}

	queued, err := f.service.Submit(ctx, "keyboard", gatekeeper.SubmitOptions{})
	if err != nil {
		t.Fatalf("queued Submit() error = %v", err)
	}
	if queued.Position != 1 {
		t.Errorf("Position = %d, want 1", queued.Position)
	}
	if pos, ok := f.service.Status(queued.ID); !ok || pos != 1 {
		t.Errorf("Status() = (%d, %v), want (1, true)", pos, ok)
	}

	close(f.scraper.block)
	waitIdle(t, f.service)

	if f.metrics.Snapshot().RejectedBusy != 1 {
		t.Errorf("RejectedBusy = %d, want 1", f.metrics.Snapshot().RejectedBusy)
	}
	if _, ok := f.service.Status(first.ID); !ok {
		t.Error("finished ticket should remain until released")
	}
}

func TestSubmit_CachedTicketCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.cache.Set(ctx, "wireless mouse", &model.Report{Keyword: "wireless mouse", CompetitorCount: 7}); err != nil {
		t.Fatalf("cache Set() error = %v", err)
	}

	ticket, err := f.service.Submit(ctx, "wireless mouse", gatekeeper.SubmitOptions{NoQueue: true})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	events, err := f.service.Subscribe(ticket.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != model.EventCompleted {
			t.Errorf("Kind = %s, want completed", ev.Kind)
		}
		if ev.Report == nil || ev.Report.CompetitorCount != 7 {
			t.Errorf("Report = %+v, want cached report", ev.Report)
		}
		if ev.Report != nil && ev.Report.Source != model.SourceCache {
			t.Errorf("Source = %s, want cache", ev.Report.Source)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cached ticket")
	}
	if f.scraper.Calls() != 0 {
		t.Errorf("scraper calls = %d, want 0", f.scraper.Calls())
	}
}

// =============================================================================
// History Tests
// =============================================================================

func TestHistory_InvalidKeyword(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.History(context.Background(), " ", 5); errors.GetErrorType(err) != errors.InvalidInput {
		t.Errorf("History() error type = %v, want invalid_input", errors.GetErrorType(err))
	}
	if _, err := f.service.Runs(context.Background(), "", 5); errors.GetErrorType(err) != errors.InvalidInput {
		t.Errorf("Runs() error type = %v, want invalid_input", errors.GetErrorType(err))
	}
}

func TestHistory_StorageError(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.service.History(ctx, "wireless mouse", 5)
	if errors.GetErrorType(err) != errors.Storage {
		t.Errorf("History() error type = %v, want storage", errors.GetErrorType(err))
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestScaleProgress(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, 10},
		{0, 10},
		{50, 45},
		{100, 80},
		{150, 80},
	}

	for _, tt := range tests {
		if got := scaleProgress(tt.in); got != tt.want {
			t.Errorf("scaleProgress(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
