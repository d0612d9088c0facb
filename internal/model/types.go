// Package model defines the value types shared by the scraper, the analysis
// engine and the persistence layer.
package model

import (
	"time"
)

// Product represents one scraped search listing.
type Product struct {
	ID                  string    `json:"asin_or_id" yaml:"asin_or_id"`
	Title               string    `json:"title" yaml:"title"`
	Price               *float64  `json:"price,omitempty" yaml:"price,omitempty"`
	Rating              *float64  `json:"rating,omitempty" yaml:"rating,omitempty"`
	ReviewCount         int       `json:"review_count" yaml:"review_count"`
	PurchasedLastMonth  int       `json:"purchased_last_month" yaml:"purchased_last_month"`
	IsExpeditedShipping bool      `json:"is_expedited_shipping" yaml:"is_expedited_shipping"`
	Brand               string    `json:"brand,omitempty" yaml:"brand,omitempty"`
	Category            string    `json:"category,omitempty" yaml:"category,omitempty"`
	Seller              string    `json:"seller,omitempty" yaml:"seller,omitempty"`
	URL                 string    `json:"url,omitempty" yaml:"url,omitempty"`
	Keyword             string    `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	ScrapedAt           time.Time `json:"scraped_at" yaml:"scraped_at"`
}

// HasPrice reports whether the listing carried a usable price.
func (p Product) HasPrice() bool {
	return p.Price != nil
}

// PriceValue returns the price or 0 when absent.
func (p Product) PriceValue() float64 {
	if p.Price == nil {
		return 0
	}
	return *p.Price
}

// HasRating reports whether the listing carried a rating.
func (p Product) HasRating() bool {
	return p.Rating != nil
}

// RatingValue returns the rating or 0 when absent.
func (p Product) RatingValue() float64 {
	if p.Rating == nil {
		return 0
	}
	return *p.Rating
}

// Float returns a pointer to v. Convenience for building products.
func Float(v float64) *float64 {
	return &v
}

// PriceGap is a contiguous price interval with below-average competitor density.
type PriceGap struct {
	Label string  `json:"label" yaml:"label"`
	Min   float64 `json:"min" yaml:"min"`
	Max   float64 `json:"max" yaml:"max"`
	Count int     `json:"count" yaml:"count"`
}

// KeywordCount is one entry of the title token frequency table.
type KeywordCount struct {
	Word  string `json:"word" yaml:"word"`
	Count int    `json:"count" yaml:"count"`
}

// Report is one analysis result.
type Report struct {
	Keyword                    string             `json:"keyword" yaml:"keyword"`
	CompetitorCount            int                `json:"competitor_count" yaml:"competitor_count"`
	ExpeditedCount             int                `json:"expedited_count" yaml:"expedited_count"`
	ExpeditedPercentage        float64            `json:"expedited_percentage" yaml:"expedited_percentage"`
	DifficultyScore            float64            `json:"difficulty_score" yaml:"difficulty_score"`
	CompetitionScore           float64            `json:"competition_score" yaml:"competition_score"`
	QualityScore               float64            `json:"quality_score" yaml:"quality_score"`
	EntryBarrierScore          float64            `json:"entry_barrier_score" yaml:"entry_barrier_score"`
	MarketSaturationPercentage float64            `json:"market_saturation_percentage" yaml:"market_saturation_percentage"`
	TopNProducts               []Product          `json:"top_n_products" yaml:"top_n_products"`
	RatingByPriceBin           map[string]float64 `json:"rating_by_price_bin" yaml:"rating_by_price_bin"`
	PriceDistribution          map[string]int     `json:"price_distribution" yaml:"price_distribution"`
	PriceGaps                  []PriceGap         `json:"price_gaps" yaml:"price_gaps"`
	TopKeywords                []KeywordCount     `json:"top_keywords" yaml:"top_keywords"`
	Source                     string             `json:"source,omitempty" yaml:"source,omitempty"`
	CreatedAt                  time.Time          `json:"created_at" yaml:"created_at"`
}

// Report sources.
const (
	SourceScrape = "scrape"
	SourceStored = "stored"
	SourceCache  = "cache"
)

// RunStatus is the lifecycle state of a persisted scrape run.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// ScrapeRun records one pipeline execution for auditing.
type ScrapeRun struct {
	ID           string     `json:"id" yaml:"id"`
	Keyword      string     `json:"keyword" yaml:"keyword"`
	Status       RunStatus  `json:"status" yaml:"status"`
	ProductCount int        `json:"product_count" yaml:"product_count"`
	Attempts     int        `json:"attempts" yaml:"attempts"`
	Error        string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// EventKind discriminates progress events.
type EventKind string

// Event kinds.
const (
	EventQueued    EventKind = "queued"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Failure is the caller-facing form of a classified error.
type Failure struct {
	Type    string `json:"type" yaml:"type"`
	Message string `json:"message" yaml:"message"`
	Remedy  string `json:"remedy" yaml:"remedy"`
}

// ProgressEvent is one entry of a ticket's progress stream.
type ProgressEvent struct {
	Ticket    string    `json:"ticket" yaml:"ticket"`
	Kind      EventKind `json:"kind" yaml:"kind"`
	Percent   int       `json:"percent" yaml:"percent"`
	Phase     string    `json:"phase" yaml:"phase"`
	Position  int       `json:"position,omitempty" yaml:"position,omitempty"`
	Report    *Report   `json:"report,omitempty" yaml:"report,omitempty"`
	Failure   *Failure  `json:"failure,omitempty" yaml:"failure,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Terminal reports whether no further events follow this one.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventError
}
