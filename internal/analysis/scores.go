package analysis

import (
	"strings"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// tier maps a value to the score of the first threshold it falls below.
type tier struct {
	below float64
	score float64
}

var (
	competitionTiers = []tier{{5, 0.5}, {20, 1.5}, {50, 2.5}, {100, 3.5}}
	competitionMax   = 4.0

	qualityTiers = []tier{{4.0, 0.5}, {4.3, 1.5}, {4.5, 2.5}}
	qualityMax   = 3.0

	reviewTiers = []tier{{500, 0.5}, {2000, 1.0}, {5000, 1.5}}
	reviewMax   = 2.0
)

func stepScore(v float64, tiers []tier, ceiling float64) float64 {
	for _, t := range tiers {
		if v < t.below {
			return t.score
		}
	}
	return ceiling
}

// CompetitionScore scores the number of competitors on [0,4].
func CompetitionScore(competitors int) float64 {
	if competitors <= 0 {
		return 0
	}
	return stepScore(float64(competitors), competitionTiers, competitionMax)
}

// QualityScore scores the mean competitor rating on [0,3]. A higher bar
// means a harder entry.
func QualityScore(meanRating float64) float64 {
	if meanRating <= 0 {
		return 0
	}
	return stepScore(meanRating, qualityTiers, qualityMax)
}

// EntryBarrierScore scores incumbency on [0,3] from the mean review count
// and the mean monthly sales of the leading products.
func EntryBarrierScore(meanReviews, meanSales float64) float64 {
	var score float64
	if meanReviews > 0 {
		score += stepScore(meanReviews, reviewTiers, reviewMax)
	}
	if meanSales > 0 {
		score += clamp(meanSales/1000, 0, 1)
	}
	return clamp(score, 0, 3)
}

// Difficulty sums the sub-scores into [0,10].
func Difficulty(competition, quality, barrier float64) float64 {
	return round1(clamp(competition+quality+barrier, 0, 10))
}

// Category sizes estimate how many listings a category holds, used to turn
// top-seller volume into a market share.
const (
	ElectronicsSize = 10000
	HomeSize        = 15000
	ClothingSize    = 20000
	DefaultSize     = 8000
)

var categoryTerms = []struct {
	terms []string
	size  int
}{
	{[]string{"mouse", "keyboard", "headphone", "phone", "computer"}, ElectronicsSize},
	{[]string{"bag", "case", "bottle", "backpack"}, HomeSize},
	{[]string{"shirt", "dress", "shoe", "jacket"}, ClothingSize},
}

// CategorySize estimates the category size for keyword.
func CategorySize(keyword string) int {
	lower := strings.ToLower(keyword)
	for _, c := range categoryTerms {
		for _, term := range c.terms {
			if strings.Contains(lower, term) {
				return c.size
			}
		}
	}
	return DefaultSize
}

// Saturation estimates the share of the category held by the top sellers,
// as a percentage kept within [15,60]. No products means no estimate: 0.
func Saturation(keyword string, top []model.Product) float64 {
	if len(top) == 0 {
		return 0
	}
	var sales float64
	for _, p := range top {
		sales += float64(p.PurchasedLastMonth)
	}
	share := 100 * sales / float64(CategorySize(keyword))
	return round1(clamp(share, 15, 60))
}
