// Package ratelimit meters page navigations so a run never exceeds its
// request budget against the marketplace.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the navigation budget.
type Config struct {
	PerMinute float64 `json:"per_minute" yaml:"per_minute"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// DefaultConfig returns the default navigation budget.
func DefaultConfig() Config {
	return Config{PerMinute: 20, Burst: 3}
}

// Limiter implements the navigation budget shared by every session.
type Limiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	perMinute float64
	burst     int
	waits     int64
	waited    time.Duration
}

// NewLimiter creates a limiter allowing perMinute navigations with the
// given burst. A non-positive rate disables limiting.
func NewLimiter(perMinute float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &Limiter{
		limiter:   rate.NewLimiter(limit, burst),
		perMinute: perMinute,
		burst:     burst,
	}
}

// NewFromConfig creates a limiter from config.
func NewFromConfig(cfg Config) *Limiter {
	return NewLimiter(cfg.PerMinute, cfg.Burst)
}

// Wait blocks until a navigation is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.waits++
	l.waited += time.Since(start)
	l.mu.Unlock()
	return nil
}

// Allow reports whether a navigation is allowed now without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// SetRate updates the budget.
func (l *Limiter) SetRate(perMinute float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	l.limiter.SetLimit(limit)
	l.limiter.SetBurst(burst)

	l.mu.Lock()
	l.perMinute = perMinute
	l.burst = burst
	l.mu.Unlock()
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		PerMinute: l.perMinute,
		Burst:     l.burst,
		Waits:     l.waits,
		TotalWait: l.waited,
	}
}

// LimiterStats contains rate limiter statistics.
type LimiterStats struct {
	PerMinute float64       `json:"per_minute"`
	Burst     int           `json:"burst"`
	Waits     int64         `json:"waits"`
	TotalWait time.Duration `json:"total_wait"`
}

// AdaptiveLimiter slows the budget down when the site starts blocking and
// recovers it after a clean window.
type AdaptiveLimiter struct {
	*Limiter
	mu           sync.Mutex
	minRate      float64
	maxRate      float64
	currentRate  float64
	blockedCount int
	successCount int
	burst        int
	windowSize   int
}

// NewAdaptiveLimiter creates an adaptive limiter starting at maxRate.
func NewAdaptiveLimiter(minRate, maxRate float64, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		Limiter:     NewLimiter(maxRate, burst),
		minRate:     minRate,
		maxRate:     maxRate,
		currentRate: maxRate,
		burst:       burst,
		windowSize:  10,
	}
}

// RecordSuccess records a page that loaded cleanly.
func (a *AdaptiveLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.checkAndAdjust()
}

// RecordBlocked records a page that showed a block marker. Blocks halve the
// rate at once.
func (a *AdaptiveLimiter) RecordBlocked() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.blockedCount++
	a.currentRate = a.currentRate * 0.5
	if a.currentRate < a.minRate {
		a.currentRate = a.minRate
	}
	a.SetRate(a.currentRate, a.burst)
}

func (a *AdaptiveLimiter) checkAndAdjust() {
	total := a.successCount + a.blockedCount
	if total < a.windowSize {
		return
	}

	if a.blockedCount == 0 {
		a.currentRate = a.currentRate * 1.25
		if a.currentRate > a.maxRate {
			a.currentRate = a.maxRate
		}
		a.SetRate(a.currentRate, a.burst)
	}

	a.successCount = 0
	a.blockedCount = 0
}

// CurrentRate returns the current navigations per minute.
func (a *AdaptiveLimiter) CurrentRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
