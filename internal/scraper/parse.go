package scraper

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	pricePattern    = regexp.MustCompile(`\$\s*([\d,]+(?:\.\d+)?)`)
	decimalPattern  = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	countPattern    = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s*([KkMm])?\b`)
	asinPattern     = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})`)
	minTitleRunes   = 11
	badgeSubstrings = []string{
		"sponsored",
		"best seller",
		"amazon's choice",
		"overall pick",
		"limited time deal",
		"climate pledge friendly",
		"add to cart",
		"coupon",
		"free shipping",
	}
)

// ParsePrice extracts a non-negative price from text such as "$1,299.99" or
// "12.50". It reports false when no number is present.
func ParsePrice(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}

	raw := ""
	if m := pricePattern.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := decimalPattern.FindString(text); m != "" {
		raw = m
	}
	if raw == "" {
		return 0, false
	}

	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// FindPrice scans free text for the first dollar amount.
func FindPrice(text string) (float64, bool) {
	m := pricePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseRating reads the leading decimal of text such as "4.5 out of 5 stars"
// and clamps it to [0,5]. Malformed text yields 0.
func ParseRating(text string) float64 {
	m := decimalPattern.FindString(text)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0
	}
	return clampRating(v)
}

func clampRating(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 5 {
		return 5
	}
	return v
}

// ParseCount reads counts such as "(1,234)", "2.5K" or "1M+". Malformed
// text, including counts beyond MaxInt32, yields 0.
func ParseCount(text string) int {
	m := countPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil || v < 0 {
		return 0
	}
	switch strings.ToUpper(m[2]) {
	case "K":
		v *= 1000
	case "M":
		v *= 1000000
	}
	if math.IsNaN(v) || v > math.MaxInt32 {
		return 0
	}
	return int(v)
}

// ParseSalesVelocity reads "1K+ bought in past month" style text. Text that
// does not mention purchases yields 0.
func ParseSalesVelocity(text string) int {
	if !strings.Contains(strings.ToLower(text), "bought") {
		return 0
	}
	return ParseCount(text)
}

// EstimateSalesVelocity approximates recent sales from reviews when the
// listing shows no purchase count.
func EstimateSalesVelocity(reviews int) int {
	if reviews <= 0 {
		return 0
	}
	if est := reviews / 10; est > 1 {
		return est
	}
	return 1
}

// IsBadgeText reports whether a candidate title is actually a promotional
// badge or too short to be a product name.
func IsBadgeText(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minTitleRunes {
		return true
	}
	lower := strings.ToLower(text)
	for _, badge := range badgeSubstrings {
		if strings.Contains(lower, badge) {
			return true
		}
	}
	return false
}

// IDFromURL extracts a listing identifier from a product link.
func IDFromURL(href string) string {
	m := asinPattern.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}
