// Package browser provides headless Chrome sessions via Rod.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/PentesterFlow/MarketInsights/internal/evasion"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/ratelimit"
	"github.com/PentesterFlow/MarketInsights/internal/selector"
)

// Config defines browser configuration.
type Config struct {
	Headless          bool          `json:"headless" yaml:"headless"`
	Bin               string        `json:"bin,omitempty" yaml:"bin,omitempty"` // Chrome binary; empty downloads or finds one
	Proxy             string        `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	NavigationTimeout time.Duration `json:"navigation_timeout" yaml:"navigation_timeout"`
	ResultPolls       int           `json:"result_polls" yaml:"result_polls"` // one-second polls for result cards
	IgnoreHTTPSErrors bool          `json:"ignore_https_errors" yaml:"ignore_https_errors"`
	BlockResources    bool          `json:"block_resources" yaml:"block_resources"` // skip images, fonts and media
	BaseURL           string        `json:"base_url" yaml:"base_url"`
}

// DefaultConfig returns default browser configuration.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		NavigationTimeout: 60 * time.Second,
		ResultPolls:       10,
		BaseURL:           "https://www.amazon.com",
	}
}

// SearchURL builds the search results URL for a keyword.
func SearchURL(baseURL, keyword string) string {
	return strings.TrimRight(baseURL, "/") + "/s?k=" + url.QueryEscape(keyword)
}

// Browser wraps a launched Chrome instance. Each Open call creates an
// isolated incognito context so sessions never share cookies or storage.
type Browser struct {
	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	config   Config
	resolver *selector.Resolver
	evasion  *evasion.Controller
	limiter  *ratelimit.Limiter
	log      *logger.Logger
	sessions int
}

// New launches Chrome and connects to it.
func New(config Config, resolver *selector.Resolver, ctrl *evasion.Controller, limiter *ratelimit.Limiter, log *logger.Logger) (*Browser, error) {
	if log == nil {
		log = logger.Nop()
	}

	l := launcher.New().
		Headless(config.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("no-first-run")

	if config.Bin != "" {
		l = l.Bin(config.Bin)
	}
	if config.Proxy != "" {
		l = l.Proxy(config.Proxy)
	}
	if config.IgnoreHTTPSErrors {
		l = l.Set("ignore-certificate-errors", "true")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &Browser{
		browser:  browser,
		launcher: l,
		config:   config,
		resolver: resolver,
		evasion:  ctrl,
		limiter:  limiter,
		log:      log.WithComponent("browser"),
	}, nil
}

// Open creates a hardened page for one scrape attempt using the profile.
func (b *Browser) Open(ctx context.Context, profile evasion.Profile) (*Session, error) {
	b.mu.Lock()
	b.sessions++
	b.mu.Unlock()

	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		incognito.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if err := harden(page, profile, b.config.BlockResources); err != nil {
		page.Close()
		incognito.Close()
		return nil, fmt.Errorf("failed to apply profile %s: %w", profile.Name, err)
	}

	b.log.Debugf("opened session with profile %s", profile.Name)

	return &Session{
		context:  incognito,
		page:     page,
		profile:  profile,
		config:   b.config,
		resolver: b.resolver,
		evasion:  b.evasion,
		limiter:  b.limiter,
		log:      b.log.WithField("profile", profile.Name),
	}, nil
}

// SessionCount returns how many sessions were opened.
func (b *Browser) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions
}

// Close closes the browser and kills the process.
func (b *Browser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	return err
}

// harden applies the identity and masking scripts before any navigation.
func harden(page *rod.Page, p evasion.Profile, blockResources bool) error {
	for _, js := range evasion.MaskingScripts(p) {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			return fmt.Errorf("inject masking script: %w", err)
		}
	}

	err := proto.NetworkSetUserAgentOverride{
		UserAgent:      p.UserAgent,
		AcceptLanguage: p.AcceptLanguage(),
		Platform:       p.Platform,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}

	if p.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: p.Timezone}).Call(page); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
	}
	if p.Locale != "" {
		// Not critical; some Chrome builds reject repeated overrides.
		_ = proto.EmulationSetLocaleOverride{Locale: p.Locale}.Call(page)
	}

	_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  p.ViewportWidth,
		Height: p.ViewportHeight,
	})

	headers := proto.NetworkHeaders{
		"Accept":                    gson.New("text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"),
		"Accept-Language":           gson.New(p.AcceptLanguage()),
		"DNT":                       gson.New("1"),
		"Upgrade-Insecure-Requests": gson.New("1"),
	}
	if err := (proto.NetworkSetExtraHTTPHeaders{Headers: headers}).Call(page); err != nil {
		return fmt.Errorf("set headers: %w", err)
	}

	if blockResources {
		_ = proto.NetworkSetBlockedURLs{
			Urls: []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.woff", "*.woff2", "*.mp4"},
		}.Call(page)
	}

	return nil
}
