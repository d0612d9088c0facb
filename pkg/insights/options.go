package insights

import (
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/cache"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/metrics"
	"github.com/PentesterFlow/MarketInsights/internal/scraper"
	"github.com/PentesterFlow/MarketInsights/internal/store"
)

// Option is a functional option for configuring the Service.
type Option func(*Service) error

// WithConfig replaces the whole configuration.
func WithConfig(cfg *Config) Option {
	return func(s *Service) error {
		s.config = cfg.Clone()
		return nil
	}
}

// WithMaxProducts caps the listings collected per scrape.
func WithMaxProducts(n int) Option {
	return func(s *Service) error {
		if n < 1 {
			n = 1
		}
		s.config.Scrape.MaxProducts = n
		return nil
	}
}

// WithMaxPages sets how many result pages one scrape may read.
func WithMaxPages(n int) Option {
	return func(s *Service) error {
		if n < 1 {
			n = 1
		}
		s.config.Scrape.MaxPages = n
		return nil
	}
}

// WithDetails toggles detail page visits.
func WithDetails(enabled bool) Option {
	return func(s *Service) error {
		s.config.Scrape.FetchDetails = enabled
		return nil
	}
}

// WithHeadless toggles headless Chrome.
func WithHeadless(headless bool) Option {
	return func(s *Service) error {
		s.config.Browser.Headless = headless
		return nil
	}
}

// WithProxy routes the browser through a proxy.
func WithProxy(proxy string) Option {
	return func(s *Service) error {
		s.config.Browser.Proxy = proxy
		return nil
	}
}

// WithQueueLimit bounds the number of waiting analyses. 0 is unbounded.
func WithQueueLimit(n int) Option {
	return func(s *Service) error {
		if n < 0 {
			n = 0
		}
		s.config.Gatekeeper.QueueLimit = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithStore uses an already opened store instead of the configured one.
func WithStore(st store.Store) Option {
	return func(s *Service) error {
		s.store = st
		return nil
	}
}

// WithCache uses an already opened cache instead of the configured one.
func WithCache(c cache.Cache) Option {
	return func(s *Service) error {
		s.cache = c
		return nil
	}
}

// WithScraper replaces the browser-backed scrape engine.
func WithScraper(sc Scraper) Option {
	return func(s *Service) error {
		s.scraper = sc
		return nil
	}
}

// WithLauncher keeps the scrape engine but opens sessions through l.
func WithLauncher(l scraper.Launcher) Option {
	return func(s *Service) error {
		s.launcher = l
		return nil
	}
}

// WithClock sets the clock for run records and reports.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		s.now = now
		return nil
	}
}
