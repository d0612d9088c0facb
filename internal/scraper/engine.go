// Package scraper drives a browser session through the search results of a
// keyword and turns the result cards into products.
package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/evasion"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/metrics"
	"github.com/PentesterFlow/MarketInsights/internal/model"
	"github.com/PentesterFlow/MarketInsights/internal/ratelimit"
	"github.com/PentesterFlow/MarketInsights/internal/selector"
)

// State is a step of one scrape attempt.
type State int

const (
	StateIdle State = iota
	StateWarmup
	StateNavigate
	StateExtractList
	StateExtractDetail
	StateSuccess
	StateBlocked
	StateTimedOut
	StateParseFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWarmup:
		return "warmup"
	case StateNavigate:
		return "navigate"
	case StateExtractList:
		return "extract_list"
	case StateExtractDetail:
		return "extract_detail"
	case StateSuccess:
		return "success"
	case StateBlocked:
		return "blocked"
	case StateTimedOut:
		return "timed_out"
	case StateParseFailed:
		return "parse_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the attempt ends in this state.
func (s State) Terminal() bool {
	return s >= StateSuccess
}

// Session is one isolated browsing context. Implementations own the browser
// page and release it on Close.
type Session interface {
	Warmup(ctx context.Context) error
	Search(ctx context.Context, keyword string) (string, error)
	Fetch(ctx context.Context, url string) (string, error)
	Close() error
}

// Launcher opens a fresh session presenting the given identity.
type Launcher interface {
	Open(ctx context.Context, profile evasion.Profile) (Session, error)
}

// Config configures the engine.
type Config struct {
	MaxProducts  int                `json:"max_products" yaml:"max_products"`
	MaxPages     int                `json:"max_pages" yaml:"max_pages"`
	FetchDetails bool               `json:"fetch_details" yaml:"fetch_details"`
	BaseURL      string             `json:"base_url" yaml:"base_url"`
	Retry        errors.RetryConfig `json:"retry" yaml:"retry"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxProducts:  100,
		MaxPages:     1,
		FetchDetails: true,
		BaseURL:      "https://www.amazon.com",
		Retry:        errors.DefaultRetryConfig(),
	}
}

// ProgressFunc receives the scrape's own progress in [0,100] and a phase label.
type ProgressFunc func(percent int, phase string)

// Result is the outcome of a successful scrape.
type Result struct {
	Products       []model.Product `json:"products"`
	Attempts       int             `json:"attempts"`
	Profiles       []string        `json:"profiles"`
	Pages          int             `json:"pages"`
	DetailFailures int             `json:"detail_failures"`
	Duration       time.Duration   `json:"duration"`
}

// Engine runs scrape attempts with retries, each attempt in a fresh session.
type Engine struct {
	config   Config
	launcher Launcher
	resolver *selector.Resolver
	evasion  *evasion.Controller
	retrier  *errors.Retrier
	breaker  *errors.CircuitBreaker
	limiter  *ratelimit.AdaptiveLimiter
	metrics  *metrics.Collector
	log      *logger.Logger
	now      func() time.Time
	onState  func(attempt int, s State)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetrier overrides the retrier built from the config.
func WithRetrier(r *errors.Retrier) Option {
	return func(e *Engine) { e.retrier = r }
}

// WithBreaker stops attempts while the site keeps blocking.
func WithBreaker(b *errors.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithAdaptiveLimiter reports block outcomes to the navigation budget.
func WithAdaptiveLimiter(l *ratelimit.AdaptiveLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock sets the clock used for scraped_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// OnStateChange registers a hook called on every state transition.
func OnStateChange(fn func(attempt int, s State)) Option {
	return func(e *Engine) { e.onState = fn }
}

// New creates an engine.
func New(config Config, launcher Launcher, resolver *selector.Resolver, ctrl *evasion.Controller, opts ...Option) *Engine {
	if config.MaxProducts <= 0 {
		config.MaxProducts = DefaultConfig().MaxProducts
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 1
	}
	if resolver == nil {
		resolver = selector.NewResolver(nil)
	}

	e := &Engine{
		config:   config,
		launcher: launcher,
		resolver: resolver,
		evasion:  ctrl,
		retrier:  errors.NewRetrier(config.Retry),
		metrics:  metrics.New(),
		log:      logger.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithComponent("scraper")
	return e
}

// Run scrapes keyword. It returns the product batch or a classified
// *errors.InsightError; it never returns an unclassified error.
func (e *Engine) Run(ctx context.Context, keyword string, progress ProgressFunc) (*Result, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.NewInvalidInputError(keyword, "keyword is empty")
	}
	if progress == nil {
		progress = func(int, string) {}
	}
	if e.breaker != nil && !e.breaker.Allow() {
		return nil, errors.NewBlockedError(keyword, "scrape",
			fmt.Sprintf("site kept blocking sessions, paused for %s", e.breaker.RetryAfter().Round(time.Second)))
	}

	log := e.log.WithKeyword(keyword)
	result := &Result{}
	var used []string

	e.retrier.OnRetry(func(attempt int, err error, delay time.Duration) {
		e.metrics.RecordRetry()
		log.Warnf("attempt %d failed (%v), retrying in %s", attempt, err, delay.Round(time.Millisecond))
	})

	products, rr := errors.DoWithResult(ctx, e.retrier, "scrape", keyword, func(ctx context.Context, attempt int) ([]model.Product, error) {
		profile := e.evasion.DrawProfile(used...)
		used = append(used, profile.Name)
		log.AttemptEvent(keyword, attempt, profile.Name)
		e.metrics.RecordAttempt()

		a := &scrapeAttempt{engine: e, keyword: keyword, number: attempt, profile: profile, progress: progress, log: log}
		products, err := a.run(ctx)
		a.finish(err)

		if e.limiter != nil {
			if errors.GetErrorType(err) == errors.Blocked {
				e.limiter.RecordBlocked()
			} else if err == nil {
				e.limiter.RecordSuccess()
			}
		}
		if err != nil {
			e.metrics.RecordFailure(errors.GetErrorType(err).String())
			return nil, err
		}
		result.Pages = a.pages
		result.DetailFailures = a.detailFailures
		return products, nil
	})

	result.Attempts = rr.Attempts
	result.Profiles = used
	result.Duration = rr.Duration
	if e.breaker != nil {
		e.breaker.Record(rr.LastError)
	}

	if !rr.Success {
		err := classify(rr.LastError, keyword, "scrape")
		log.FailureEvent(err, keyword, stateFor(err).String())
		return nil, err
	}

	result.Products = products
	e.metrics.RecordProducts(len(products))
	log.Infof("scraped %d products in %d attempt(s)", len(products), result.Attempts)
	return result, nil
}

// scrapeAttempt is the transient state of one session: the state machine position,
// its retry number and the open browser context.
type scrapeAttempt struct {
	engine         *Engine
	keyword        string
	number         int
	profile        evasion.Profile
	progress       ProgressFunc
	log            *logger.Logger
	state          State
	pages          int
	detailFailures int
}

func (a *scrapeAttempt) transition(s State) {
	a.state = s
	a.log.Debugf("attempt %d: %s", a.number, s)
	if a.engine.onState != nil {
		a.engine.onState(a.number, s)
	}
}

func (a *scrapeAttempt) finish(err error) {
	if err == nil {
		a.transition(StateSuccess)
		return
	}
	if s := stateFor(err); s.Terminal() {
		a.transition(s)
	}
}

func (a *scrapeAttempt) run(ctx context.Context) ([]model.Product, error) {
	e := a.engine
	a.transition(StateIdle)

	session, err := e.launcher.Open(ctx, a.profile)
	if err != nil {
		return nil, classify(err, a.keyword, "open session")
	}
	defer func() {
		if err := session.Close(); err != nil {
			a.log.Debugf("close session: %v", err)
		}
	}()

	if e.evasion.WarmupEnabled() {
		a.transition(StateWarmup)
		a.progress(5, "warming up session")
		if err := session.Warmup(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, classify(ctx.Err(), a.keyword, "warmup")
			}
			a.log.Warnf("warm-up failed, continuing: %v", err)
		}
	}

	a.transition(StateNavigate)
	a.progress(15, "searching")
	start := time.Now()
	html, err := session.Search(ctx, a.keyword)
	e.metrics.RecordNavigation(time.Since(start))
	if err != nil {
		return nil, classify(err, a.keyword, "search")
	}
	if marker := DetectBlock(html); marker != "" {
		return nil, errors.NewBlockedError(a.keyword, "search", marker)
	}

	a.transition(StateExtractList)
	a.progress(30, "extracting listings")
	products, err := a.extractPages(ctx, session, html)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, errors.NewParseFailedError(a.keyword, "extract list", "no result cards yielded a product")
	}

	if e.config.FetchDetails {
		a.transition(StateExtractDetail)
		if err := a.refineDetails(ctx, session, products); err != nil {
			return nil, err
		}
	}

	a.progress(100, "scrape complete")
	return products, nil
}

// extractPages extracts the first results page and follows next-page links
// until the product cap or page limit is reached.
func (a *scrapeAttempt) extractPages(ctx context.Context, session Session, html string) ([]model.Product, error) {
	e := a.engine
	seen := make(map[string]bool)
	var products []model.Product

	for {
		a.pages++
		doc, err := selector.ParseDocument(html)
		if err != nil {
			return nil, errors.NewParseFailedError(a.keyword, "parse page", err.Error())
		}

		for _, p := range e.ExtractList(doc.Selection, a.keyword) {
			if len(products) >= e.config.MaxProducts {
				break
			}
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			products = append(products, p)
		}

		if len(products) >= e.config.MaxProducts || a.pages >= e.config.MaxPages {
			return products, nil
		}
		next := e.nextPageURL(doc.Selection)
		if next == "" {
			return products, nil
		}

		if err := e.evasion.Pause(ctx, e.evasion.Timing().BetweenDetails); err != nil {
			return nil, classify(err, a.keyword, "paginate")
		}
		html, err = session.Fetch(ctx, next)
		if err != nil {
			if ctx.Err() != nil {
				return nil, classify(ctx.Err(), a.keyword, "paginate")
			}
			a.log.Warnf("page %d failed, keeping %d products: %v", a.pages+1, len(products), err)
			return products, nil
		}
		if marker := DetectBlock(html); marker != "" {
			a.log.Warnf("page %d blocked (%s), keeping %d products", a.pages+1, marker, len(products))
			return products, nil
		}
	}
}

// refineDetails visits detail pages one at a time. A failed page leaves its
// product with the list-level fields.
func (a *scrapeAttempt) refineDetails(ctx context.Context, session Session, products []model.Product) error {
	e := a.engine
	timing := e.evasion.Timing()

	for i := range products {
		a.progress(35+60*i/len(products), fmt.Sprintf("reading product %d of %d", i+1, len(products)))
		if products[i].URL == "" {
			continue
		}
		if i > 0 {
			if err := e.evasion.Pause(ctx, timing.BetweenDetails); err != nil {
				return classify(err, a.keyword, "extract detail")
			}
		}

		html, err := session.Fetch(ctx, products[i].URL)
		if err != nil {
			if ctx.Err() != nil {
				return classify(ctx.Err(), a.keyword, "extract detail")
			}
			a.detailFailures++
			e.metrics.RecordDetail(false)
			a.log.Debugf("detail %s failed: %v", products[i].ID, err)
			continue
		}
		if marker := DetectBlock(html); marker != "" {
			a.detailFailures++
			e.metrics.RecordDetail(false)
			a.log.Debugf("detail %s blocked: %s", products[i].ID, marker)
			continue
		}

		doc, err := selector.ParseDocument(html)
		if err != nil {
			a.detailFailures++
			e.metrics.RecordDetail(false)
			continue
		}
		products[i] = e.RefineDetail(products[i], doc.Selection)
		e.metrics.RecordDetail(true)
	}
	return nil
}

// classify maps any error from an attempt onto the failure taxonomy.
// Navigation failures that are neither cancellation nor a classified error
// count as timeouts: the page did not arrive within its budget.
func classify(err error, keyword, operation string) *errors.InsightError {
	if err == nil {
		return nil
	}
	ie := errors.Categorize(err, keyword)
	if ie.Type == errors.Unknown {
		return errors.NewTimedOutError(keyword, operation, err)
	}
	return ie
}

func stateFor(err error) State {
	switch errors.GetErrorType(err) {
	case errors.Blocked:
		return StateBlocked
	case errors.TimedOut:
		return StateTimedOut
	case errors.ParseFailed:
		return StateParseFailed
	default:
		return StateIdle
	}
}
