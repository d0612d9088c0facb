// Package evasion makes a scraping session look like a person at a desktop
// browser: a rotated identity, masked automation fingerprints and paced,
// randomized interaction.
package evasion

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Range is a closed interval from which a delay is drawn uniformly.
type Range struct {
	Min time.Duration `json:"min" yaml:"min"`
	Max time.Duration `json:"max" yaml:"max"`
}

// Seconds builds a Range from whole-second bounds.
func Seconds(min, max float64) Range {
	return Range{
		Min: time.Duration(min * float64(time.Second)),
		Max: time.Duration(max * float64(time.Second)),
	}
}

// Contains reports whether d lies within the range.
func (r Range) Contains(d time.Duration) bool {
	return d >= r.Min && d <= r.Max
}

// Timing holds the delay ranges of each paced step.
type Timing struct {
	WarmupSettle   Range `json:"warmup_settle" yaml:"warmup_settle"`     // after the home page loads
	ScrollSettle   Range `json:"scroll_settle" yaml:"scroll_settle"`     // after the incidental scroll
	BeforeSearch   Range `json:"before_search" yaml:"before_search"`     // before issuing the search
	FocusSettle    Range `json:"focus_settle" yaml:"focus_settle"`       // after focusing the search field
	Keystroke      Range `json:"keystroke" yaml:"keystroke"`             // between typed characters
	BeforeSubmit   Range `json:"before_submit" yaml:"before_submit"`     // between typing and submit
	ResultWait     Range `json:"result_wait" yaml:"result_wait"`         // after results load
	BetweenDetails Range `json:"between_details" yaml:"between_details"` // between detail page visits
}

// DefaultTiming returns delay ranges in the same band as a person browsing.
func DefaultTiming() Timing {
	return Timing{
		WarmupSettle:   Seconds(3, 7),
		ScrollSettle:   Seconds(1, 2),
		BeforeSearch:   Seconds(2, 4),
		FocusSettle:    Seconds(1, 2),
		Keystroke:      Range{Min: 80 * time.Millisecond, Max: 150 * time.Millisecond},
		BeforeSubmit:   Seconds(1, 2),
		ResultWait:     Seconds(2, 5),
		BetweenDetails: Seconds(2, 5),
	}
}

// Config configures a Controller.
type Config struct {
	Warmup   bool      `json:"warmup" yaml:"warmup"`
	Timing   Timing    `json:"timing" yaml:"timing"`
	Profiles []Profile `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Seed     int64     `json:"seed,omitempty" yaml:"seed,omitempty"` // 0 seeds from the clock
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Warmup: true,
		Timing: DefaultTiming(),
	}
}

// Sleeper suspends the caller. Tests substitute a recorder.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ClockSleeper sleeps on the wall clock.
type ClockSleeper struct{}

// Sleep implements Sleeper.
func (ClockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Actor performs the browser actions the controller paces.
type Actor interface {
	Navigate(ctx context.Context, url string) error
	ScrollTo(ctx context.Context, y int) error
	Focus(ctx context.Context, locator string) error
	Type(ctx context.Context, text string) error
	Click(ctx context.Context, locator string) error
}

// Controller draws identities and delays and drives paced interaction.
type Controller struct {
	mu      sync.Mutex
	rng     *rand.Rand
	pool    []Profile
	timing  Timing
	warmup  bool
	sleeper Sleeper
}

// NewController creates a controller.
func NewController(cfg Config) *Controller {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	pool := cfg.Profiles
	if len(pool) == 0 {
		pool = DefaultPool()
	}
	return &Controller{
		rng:     rand.New(rand.NewSource(seed)),
		pool:    append([]Profile(nil), pool...),
		timing:  cfg.Timing,
		warmup:  cfg.Warmup,
		sleeper: ClockSleeper{},
	}
}

// SetSleeper replaces the sleeper.
func (c *Controller) SetSleeper(s Sleeper) {
	c.sleeper = s
}

// Timing returns the configured delay ranges.
func (c *Controller) Timing() Timing {
	return c.timing
}

// WarmupEnabled reports whether sessions visit the home page first.
func (c *Controller) WarmupEnabled() bool {
	return c.warmup
}

// Pool returns the identity pool.
func (c *Controller) Pool() []Profile {
	return append([]Profile(nil), c.pool...)
}

// DrawProfile picks a profile uniformly at random, skipping the names in
// exclude while any other profile remains.
func (c *Controller) DrawProfile(exclude ...string) Profile {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	candidates := make([]Profile, 0, len(c.pool))
	for _, p := range c.pool {
		if !skip[p.Name] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		candidates = c.pool
	}

	return candidates[c.intn(len(candidates))]
}

// Delay draws a duration uniformly from r.
func (c *Controller) Delay(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.Min + time.Duration(c.rng.Int63n(int64(r.Max-r.Min)+1))
}

// Pause draws a delay from r and sleeps for it.
func (c *Controller) Pause(ctx context.Context, r Range) error {
	d := c.Delay(r)
	if d <= 0 {
		return ctx.Err()
	}
	return c.sleeper.Sleep(ctx, d)
}

// intn draws an int in [0, n).
func (c *Controller) intn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(n)
}

// Warmup visits the home page and scrolls a little before the real request.
func (c *Controller) Warmup(ctx context.Context, a Actor, homeURL string) error {
	if err := a.Navigate(ctx, homeURL); err != nil {
		return fmt.Errorf("warm-up navigation: %w", err)
	}
	if err := c.Pause(ctx, c.timing.WarmupSettle); err != nil {
		return err
	}
	if err := a.ScrollTo(ctx, c.intn(501)); err != nil {
		return fmt.Errorf("warm-up scroll: %w", err)
	}
	return c.Pause(ctx, c.timing.ScrollSettle)
}

// TypeText types text one character at a time with a keystroke delay
// between characters.
func (c *Controller) TypeText(ctx context.Context, a Actor, text string) error {
	runes := []rune(text)
	for i, r := range runes {
		if err := a.Type(ctx, string(r)); err != nil {
			return fmt.Errorf("typing: %w", err)
		}
		if i < len(runes)-1 {
			if err := c.Pause(ctx, c.timing.Keystroke); err != nil {
				return err
			}
		}
	}
	return nil
}

// DirectSearch loads a results URL between a randomized pause before the
// request and one after the page loads.
func (c *Controller) DirectSearch(ctx context.Context, a Actor, url string) error {
	if err := c.Pause(ctx, c.timing.BeforeSearch); err != nil {
		return err
	}
	if err := a.Navigate(ctx, url); err != nil {
		return err
	}
	return c.Pause(ctx, c.timing.ResultWait)
}

// FormSearch issues a search through the site's search box: scroll, focus,
// character-paced typing, submit, then wait for results.
func (c *Controller) FormSearch(ctx context.Context, a Actor, inputLocator, submitLocator, keyword string) error {
	if err := c.Pause(ctx, c.timing.BeforeSearch); err != nil {
		return err
	}
	if err := a.ScrollTo(ctx, c.intn(301)); err != nil {
		return fmt.Errorf("pre-search scroll: %w", err)
	}
	if err := a.Focus(ctx, inputLocator); err != nil {
		return fmt.Errorf("focus search field: %w", err)
	}
	if err := c.Pause(ctx, c.timing.FocusSettle); err != nil {
		return err
	}
	if err := c.TypeText(ctx, a, keyword); err != nil {
		return err
	}
	if err := c.Pause(ctx, c.timing.BeforeSubmit); err != nil {
		return err
	}
	if err := a.Click(ctx, submitLocator); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	return c.Pause(ctx, c.timing.ResultWait)
}
