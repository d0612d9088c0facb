package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/PentesterFlow/MarketInsights/internal/evasion"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/ratelimit"
	"github.com/PentesterFlow/MarketInsights/internal/selector"
)

// Session is one hardened page in its own browser context. It is owned by a
// single scrape attempt and closed when the attempt ends.
type Session struct {
	context  *rod.Browser
	page     *rod.Page
	profile  evasion.Profile
	config   Config
	resolver *selector.Resolver
	evasion  *evasion.Controller
	limiter  *ratelimit.Limiter
	log      *logger.Logger
}

// Profile returns the identity this session presents.
func (s *Session) Profile() evasion.Profile {
	return s.profile
}

// Warmup visits the home page and scrolls before the search.
func (s *Session) Warmup(ctx context.Context) error {
	return s.evasion.Warmup(ctx, s, s.config.BaseURL)
}

// Search loads the results page for keyword and returns its HTML. When the
// direct results URL does not load, it falls back to typing the keyword into
// the site's search box from the home page.
func (s *Session) Search(ctx context.Context, keyword string) (string, error) {
	err := s.evasion.DirectSearch(ctx, s, SearchURL(s.config.BaseURL, keyword))
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		s.log.Warnf("direct search failed, using search box: %v", err)
		if err := s.searchViaForm(ctx, keyword); err != nil {
			return "", err
		}
	}

	s.waitForResults(ctx)
	return s.html(ctx)
}

// Fetch loads url and returns its HTML.
func (s *Session) Fetch(ctx context.Context, url string) (string, error) {
	if err := s.Navigate(ctx, url); err != nil {
		return "", err
	}
	return s.html(ctx)
}

// Close closes the page and disposes of its browser context.
func (s *Session) Close() error {
	_ = s.page.Close()
	return s.context.Close()
}

func (s *Session) searchViaForm(ctx context.Context, keyword string) error {
	if err := s.Navigate(ctx, s.config.BaseURL); err != nil {
		return err
	}

	src := pageSource{page: s.page}
	input, err := s.resolver.Resolve(src, selector.SearchInput)
	if err != nil {
		return fmt.Errorf("search box: %w", err)
	}
	submit, err := s.resolver.Resolve(src, selector.SearchSubmit)
	if err != nil {
		return fmt.Errorf("search button: %w", err)
	}

	if err := s.evasion.FormSearch(ctx, s, input, submit, keyword); err != nil {
		return err
	}

	navCtx, cancel := s.navigationContext(ctx)
	defer cancel()
	return s.page.Context(navCtx).WaitLoad()
}

// waitForResults polls once a second until a result container appears or the
// poll budget runs out. A miss is left for the extractor to classify.
func (s *Session) waitForResults(ctx context.Context) {
	src := pageSource{page: s.page}
	for i := 0; i < s.config.ResultPolls; i++ {
		if loc, err := s.resolver.Resolve(src, selector.ResultContainer); err == nil {
			s.log.Debugf("results visible via %s", loc)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Session) html(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

func (s *Session) navigationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.NavigationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.NavigationTimeout)
}

// Navigate implements evasion.Actor. Every page load draws from the shared
// navigation budget and is bounded by the navigation timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	navCtx, cancel := s.navigationContext(ctx)
	defer cancel()

	page := s.page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}
	return nil
}

// ScrollTo implements evasion.Actor.
func (s *Session) ScrollTo(ctx context.Context, y int) error {
	_, err := s.page.Context(ctx).Eval(`(y) => window.scrollTo({ top: y, behavior: 'smooth' })`, y)
	return err
}

// Focus implements evasion.Actor.
func (s *Session) Focus(ctx context.Context, locator string) error {
	el, err := s.page.Context(ctx).Element(locator)
	if err != nil {
		return err
	}
	return el.Focus()
}

// Type implements evasion.Actor by inserting text at the caret.
func (s *Session) Type(ctx context.Context, text string) error {
	return proto.InputInsertText{Text: text}.Call(s.page.Context(ctx))
}

// Click implements evasion.Actor.
func (s *Session) Click(ctx context.Context, locator string) error {
	el, err := s.page.Context(ctx).Element(locator)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// pageSource adapts a live page to selector.Source.
type pageSource struct {
	page *rod.Page
}

// Count implements selector.Source.
func (p pageSource) Count(locator string) (int, error) {
	els, err := p.page.Elements(locator)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}
