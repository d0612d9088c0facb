// Package analysis turns a batch of scraped products into a market-entry
// report. Every function here is pure: same batch, same report.
package analysis

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Config configures the analyzer.
type Config struct {
	TopN        int `json:"top_n" yaml:"top_n"`
	PriceBins   int `json:"price_bins" yaml:"price_bins"`
	MaxKeywords int `json:"max_keywords" yaml:"max_keywords"`
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		TopN:        10,
		PriceBins:   4,
		MaxKeywords: 20,
	}
}

// Analyzer computes reports.
type Analyzer struct {
	config Config
	now    func() time.Time
}

// New creates an analyzer.
func New(config Config) *Analyzer {
	def := DefaultConfig()
	if config.TopN <= 0 {
		config.TopN = def.TopN
	}
	if config.PriceBins <= 0 {
		config.PriceBins = def.PriceBins
	}
	if config.MaxKeywords <= 0 {
		config.MaxKeywords = def.MaxKeywords
	}
	return &Analyzer{config: config, now: time.Now}
}

// SetClock replaces the clock used for created_at.
func (a *Analyzer) SetClock(now func() time.Time) {
	a.now = now
}

// Analyze builds the report for keyword. The batch is only read. An empty
// batch yields a report with every score at its minimum.
func (a *Analyzer) Analyze(keyword string, products []model.Product) *model.Report {
	keyword = strings.TrimSpace(keyword)
	top := TopN(products, a.config.TopN)

	report := &model.Report{
		Keyword:           keyword,
		CompetitorCount:   len(products),
		TopNProducts:      top,
		RatingByPriceBin:  map[string]float64{},
		PriceDistribution: map[string]int{},
		PriceGaps:         []model.PriceGap{},
		TopKeywords:       []model.KeywordCount{},
		CreatedAt:         a.now(),
	}

	for _, p := range products {
		if p.IsExpeditedShipping {
			report.ExpeditedCount++
		}
	}
	if len(products) > 0 {
		report.ExpeditedPercentage = round1(100 * float64(report.ExpeditedCount) / float64(len(products)))
	}

	report.CompetitionScore = CompetitionScore(len(products))
	report.QualityScore = QualityScore(MeanPositive(ratings(products)))
	report.EntryBarrierScore = EntryBarrierScore(
		MeanPositive(reviewCounts(top)),
		MeanPositive(salesCounts(top)),
	)
	report.DifficultyScore = Difficulty(report.CompetitionScore, report.QualityScore, report.EntryBarrierScore)
	report.MarketSaturationPercentage = Saturation(keyword, top)

	bins := PriceBins(products, a.config.PriceBins)
	ratingSum := map[string]float64{}
	ratingCount := map[string]int{}
	for _, b := range bins {
		report.PriceDistribution[b.Label] += b.Count
		ratingSum[b.Label] += b.RatingSum
		ratingCount[b.Label] += b.RatingCount
	}
	for label, n := range ratingCount {
		if n > 0 {
			report.RatingByPriceBin[label] = round2(ratingSum[label] / float64(n))
		}
	}
	report.PriceGaps = PriceGaps(bins)
	report.TopKeywords = TopKeywords(keyword, products, a.config.MaxKeywords)

	return report
}

// Analyze builds a report with the default configuration.
func Analyze(keyword string, products []model.Product) *model.Report {
	return New(DefaultConfig()).Analyze(keyword, products)
}

// TopN returns up to n products ordered by purchased_last_month descending.
// Ties keep batch order.
func TopN(products []model.Product, n int) []model.Product {
	sorted := append([]model.Product(nil), products...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PurchasedLastMonth > sorted[j].PurchasedLastMonth
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	if sorted == nil {
		sorted = []model.Product{}
	}
	return sorted
}

// MeanPositive returns the mean of the positive values, or 0 when none are.
func MeanPositive(values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func ratings(products []model.Product) []float64 {
	out := make([]float64, 0, len(products))
	for _, p := range products {
		if p.HasRating() {
			out = append(out, p.RatingValue())
		}
	}
	return out
}

func reviewCounts(products []model.Product) []float64 {
	out := make([]float64, 0, len(products))
	for _, p := range products {
		out = append(out, float64(p.ReviewCount))
	}
	return out
}

func salesCounts(products []model.Product) []float64 {
	out := make([]float64, 0, len(products))
	for _, p := range products {
		out = append(out, float64(p.PurchasedLastMonth))
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
