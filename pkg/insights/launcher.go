package insights

import (
	"context"
	"sync"

	"github.com/PentesterFlow/MarketInsights/internal/browser"
	"github.com/PentesterFlow/MarketInsights/internal/evasion"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/ratelimit"
	"github.com/PentesterFlow/MarketInsights/internal/scraper"
	"github.com/PentesterFlow/MarketInsights/internal/selector"
)

// browserLauncher starts Chrome on the first scrape so commands that never
// scrape (history, serving cached reports) do not pay for a browser.
type browserLauncher struct {
	mu       sync.Mutex
	browser  *browser.Browser
	config   browser.Config
	resolver *selector.Resolver
	evasion  *evasion.Controller
	limiter  *ratelimit.Limiter
	log      *logger.Logger
}

func newBrowserLauncher(config browser.Config, resolver *selector.Resolver, ctrl *evasion.Controller, limiter *ratelimit.Limiter, log *logger.Logger) *browserLauncher {
	return &browserLauncher{
		config:   config,
		resolver: resolver,
		evasion:  ctrl,
		limiter:  limiter,
		log:      log,
	}
}

// Open implements scraper.Launcher.
func (l *browserLauncher) Open(ctx context.Context, profile evasion.Profile) (scraper.Session, error) {
	b, err := l.ensure()
	if err != nil {
		return nil, err
	}
	s, err := b.Open(ctx, profile)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (l *browserLauncher) ensure() (*browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.browser != nil {
		return l.browser, nil
	}
	b, err := browser.New(l.config, l.resolver, l.evasion, l.limiter, l.log)
	if err != nil {
		return nil, err
	}
	l.browser = b
	return b, nil
}

// Close stops Chrome if it was started.
func (l *browserLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.browser == nil {
		return nil
	}
	err := l.browser.Close()
	l.browser = nil
	return err
}
