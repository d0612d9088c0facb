// Package insights wires scraping, persistence, caching and analysis into a
// single-flight market-entry analysis service.
package insights

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PentesterFlow/MarketInsights/internal/analysis"
	"github.com/PentesterFlow/MarketInsights/internal/cache"
	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/evasion"
	"github.com/PentesterFlow/MarketInsights/internal/gatekeeper"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/metrics"
	"github.com/PentesterFlow/MarketInsights/internal/model"
	"github.com/PentesterFlow/MarketInsights/internal/ratelimit"
	"github.com/PentesterFlow/MarketInsights/internal/scraper"
	"github.com/PentesterFlow/MarketInsights/internal/selector"
	"github.com/PentesterFlow/MarketInsights/internal/store"
)

// Scraper collects the product batch for a keyword.
type Scraper interface {
	Run(ctx context.Context, keyword string, progress scraper.ProgressFunc) (*scraper.Result, error)
}

// Progress bands of the pipeline. The scrape reports its own [0,100] which is
// scaled into [scrapeStart, scrapeEnd].
const (
	phaseLookup  = 5
	scrapeStart  = 10
	scrapeEnd    = 80
	phaseSave    = 85
	phaseAnalyze = 90
	phaseStored  = 50
)

// Service is the market insights facade.
type Service struct {
	config   *Config
	log      *logger.Logger
	metrics  *metrics.Collector
	store    store.Store
	cache    cache.Cache
	scraper  Scraper
	launcher scraper.Launcher
	analyzer *analysis.Analyzer
	gate     *gatekeeper.Gatekeeper
	now      func() time.Time

	browser  *browserLauncher
	ownStore bool
	ownCache bool
}

// New creates a service. Collaborators not supplied through options are built
// from the configuration.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		config: DefaultConfig(),
		now:    time.Now,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if err := s.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	ctx := context.Background()
	if s.store == nil {
		st, err := store.Open(ctx, s.config.Store)
		if err != nil {
			return nil, errors.NewStorageError("", "open store", err)
		}
		s.store = st
		s.ownStore = true
	}
	if s.cache == nil {
		c, err := cache.Open(ctx, s.config.Cache)
		if err != nil {
			s.log.WithError(err).Warnf("report cache unavailable, continuing without it")
			c = cache.Nop{}
		}
		s.cache = c
		s.ownCache = true
	}

	if s.scraper == nil {
		s.scraper = s.newEngine()
	}

	s.analyzer = analysis.New(s.config.Analysis)
	s.analyzer.SetClock(s.now)
	s.gate = gatekeeper.New(s.config.Gatekeeper, s.pipeline, s.log, s.metrics)

	return s, nil
}

// newEngine builds the browser-backed scrape engine.
func (s *Service) newEngine() *scraper.Engine {
	resolver := selector.NewResolver(nil)
	ctrl := evasion.NewController(s.config.Evasion)

	var adaptive *ratelimit.AdaptiveLimiter
	var limiter *ratelimit.Limiter
	if s.config.RateLimit.Adaptive {
		adaptive = ratelimit.NewAdaptiveLimiter(s.config.RateLimit.MinPerMinute, s.config.RateLimit.PerMinute, s.config.RateLimit.Burst)
		limiter = adaptive.Limiter
	} else {
		limiter = ratelimit.NewLimiter(s.config.RateLimit.PerMinute, s.config.RateLimit.Burst)
	}

	if s.launcher == nil {
		browserCfg := s.config.Browser
		browserCfg.BaseURL = s.config.Scrape.BaseURL
		s.browser = newBrowserLauncher(browserCfg, resolver, ctrl, limiter, s.log)
		s.launcher = s.browser
	}

	engineOpts := []scraper.Option{
		scraper.WithRetrier(errors.NewRetrier(s.config.Retry)),
		scraper.WithMetrics(s.metrics),
		scraper.WithLogger(s.log),
		scraper.WithClock(s.now),
	}
	if s.config.Breaker.Enabled {
		engineOpts = append(engineOpts, scraper.WithBreaker(errors.NewCircuitBreaker(s.config.Breaker)))
	}
	if adaptive != nil {
		engineOpts = append(engineOpts, scraper.WithAdaptiveLimiter(adaptive))
	}

	return scraper.New(scraper.Config{
		MaxProducts:  s.config.Scrape.MaxProducts,
		MaxPages:     s.config.Scrape.MaxPages,
		FetchDetails: s.config.Scrape.FetchDetails,
		BaseURL:      s.config.Scrape.BaseURL,
		Retry:        s.config.Retry,
	}, s.launcher, resolver, ctrl, engineOpts...)
}

// Config returns a copy of the active configuration.
func (s *Service) Config() *Config {
	return s.config.Clone()
}

// Metrics returns the metrics collector.
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Submit admits an analysis for keyword. A cached report completes the ticket
// at once without touching the pipeline.
func (s *Service) Submit(ctx context.Context, keyword string, opts gatekeeper.SubmitOptions) (*gatekeeper.Ticket, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.NewInvalidInputError(keyword, "keyword is empty")
	}

	if report := s.cached(ctx, keyword); report != nil {
		return s.gate.Resolve(keyword, report), nil
	}

	return s.gate.Submit(keyword, opts)
}

// Subscribe returns the event stream of a ticket.
func (s *Service) Subscribe(ticketID string) (<-chan model.ProgressEvent, error) {
	return s.gate.Subscribe(ticketID)
}

// Cancel stops event delivery for a ticket.
func (s *Service) Cancel(ticketID string) error {
	return s.gate.Cancel(ticketID)
}

// Status returns the queue position of a ticket.
func (s *Service) Status(ticketID string) (int, bool) {
	return s.gate.Status(ticketID)
}

// RunAnalysis submits keyword and waits for its report. onEvent, when set,
// receives every event of the ticket. Failures come back as
// *errors.InsightError.
func (s *Service) RunAnalysis(ctx context.Context, keyword string, opts gatekeeper.SubmitOptions, onEvent func(model.ProgressEvent)) (*model.Report, error) {
	ticket, err := s.Submit(ctx, keyword, opts)
	if err != nil {
		return nil, err
	}

	events, err := s.gate.Subscribe(ticket.ID)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			s.gate.Cancel(ticket.ID)
			return nil, errors.NewCancelledError(ticket.Keyword, "analyze")
		case ev, ok := <-events:
			if !ok {
				return nil, errors.NewCancelledError(ticket.Keyword, "analyze")
			}
			if onEvent != nil {
				onEvent(ev)
			}
			switch ev.Kind {
			case model.EventCompleted:
				return ev.Report, nil
			case model.EventError:
				return nil, errors.FromFailure(ev.Failure, ticket.Keyword)
			}
		}
	}
}

// History returns stored reports for keyword, newest first.
func (s *Service) History(ctx context.Context, keyword string, limit int) ([]model.Report, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.NewInvalidInputError(keyword, "keyword is empty")
	}
	reports, err := s.store.History(ctx, keyword, limit)
	if err != nil {
		return nil, errors.NewStorageError(keyword, "history", err)
	}
	return reports, nil
}

// Runs returns stored run records for keyword, newest first.
func (s *Service) Runs(ctx context.Context, keyword string, limit int) ([]model.ScrapeRun, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.NewInvalidInputError(keyword, "keyword is empty")
	}
	runs, err := s.store.Runs(ctx, keyword, limit)
	if err != nil {
		return nil, errors.NewStorageError(keyword, "runs", err)
	}
	return runs, nil
}

// Busy reports whether a pipeline is running and how many submissions wait.
func (s *Service) Busy() (bool, int) {
	return s.gate.Active(), s.gate.QueueLength()
}

// Shutdown stops admission and waits for the running pipeline.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.gate.Shutdown(ctx)
}

// Close shuts the service down and releases the browser, cache and store.
func (s *Service) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(s.gate.Shutdown(ctx))
	if s.browser != nil {
		keep(s.browser.Close())
	}
	if s.ownCache {
		keep(s.cache.Close())
	}
	if s.ownStore {
		keep(s.store.Close())
	}
	return firstErr
}

// cached returns the cached report for keyword, or nil.
func (s *Service) cached(ctx context.Context, keyword string) *model.Report {
	cached, err := s.cache.Get(ctx, keyword)
	if err != nil {
		s.log.WithKeyword(keyword).WithError(err).Warnf("cache lookup failed")
		return nil
	}
	if cached == nil {
		s.metrics.RecordCache(false)
		return nil
	}
	s.metrics.RecordCache(true)
	report := *cached
	report.Source = model.SourceCache
	s.log.WithKeyword(keyword).Infof("serving cached report from %s", report.CreatedAt.Format(time.RFC3339))
	return &report
}

// pipeline is the gatekeeper's unit of work: stored products when enough are
// fresh, a scrape otherwise, then analysis, history and cache.
func (s *Service) pipeline(ctx context.Context, keyword string, progress gatekeeper.ProgressFunc) (*model.Report, error) {
	log := s.log.WithComponent("pipeline").WithKeyword(keyword)

	run := model.ScrapeRun{
		ID:        uuid.NewString(),
		Keyword:   keyword,
		Status:    model.RunRunning,
		StartedAt: s.now(),
	}
	s.saveRun(ctx, log, run)

	progress(phaseLookup, "checking stored products")
	products, err := s.store.LoadExisting(ctx, keyword, s.config.Store.MinExisting)
	if err != nil {
		log.WithError(err).Warnf("loading stored products failed, scraping instead")
		products = nil
	}

	source := model.SourceStored
	if len(products) > 0 {
		s.metrics.RecordStoredHit()
		log.Infof("using %d stored products", len(products))
		progress(phaseStored, "using stored products")
		run.Status = model.RunSkipped
	} else {
		source = model.SourceScrape
		progress(scrapeStart, "scraping search results")
		result, err := s.scraper.Run(ctx, keyword, func(percent int, phase string) {
			progress(scaleProgress(percent), phase)
		})
		if err != nil {
			s.finishRun(ctx, log, run, model.RunFailed, err)
			return nil, err
		}
		products = result.Products
		run.Attempts = result.Attempts
		run.Status = model.RunSuccess

		progress(phaseSave, "saving products")
		if err := s.store.SaveBatch(ctx, products); err != nil {
			log.WithError(err).Warnf("saving products failed")
		}
	}
	run.ProductCount = len(products)

	progress(phaseAnalyze, "analyzing market")
	report := s.analyzer.Analyze(keyword, products)
	report.Source = source

	if err := s.store.SaveReport(ctx, report); err != nil {
		log.WithError(err).Warnf("saving report failed")
	}
	if err := s.cache.Set(ctx, keyword, report); err != nil {
		log.WithError(err).Warnf("caching report failed")
	}
	s.finishRun(ctx, log, run, run.Status, nil)

	return report, nil
}

func (s *Service) finishRun(ctx context.Context, log *logger.Logger, run model.ScrapeRun, status model.RunStatus, cause error) {
	completed := s.now()
	run.Status = status
	run.CompletedAt = &completed
	if cause != nil {
		run.Error = errors.Categorize(cause, run.Keyword).Message
	}
	s.saveRun(ctx, log, run)
}

func (s *Service) saveRun(ctx context.Context, log *logger.Logger, run model.ScrapeRun) {
	if err := s.store.SaveRun(ctx, run); err != nil {
		log.WithError(err).Warnf("saving run record failed")
	}
}

// scaleProgress maps scrape progress into the pipeline's scrape band.
func scaleProgress(percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return scrapeStart + percent*(scrapeEnd-scrapeStart)/100
}
