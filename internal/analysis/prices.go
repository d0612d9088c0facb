package analysis

import (
	"fmt"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Bin is one equal-width price interval. The last bin of a partition is
// closed on the right.
type Bin struct {
	Label       string
	Min         float64
	Max         float64
	Count       int
	RatingSum   float64
	RatingCount int
}

// BinLabel formats a price interval as "$a-$b".
func BinLabel(lo, hi float64) string {
	return fmt.Sprintf("$%.2f-$%.2f", lo, hi)
}

// PriceBins partitions the observed price range of priced products into n
// equal-width bins. A batch with a single distinct price gets one bin.
func PriceBins(products []model.Product, n int) []Bin {
	lo, hi, ok := priceRange(products)
	if !ok {
		return nil
	}
	// Bins narrower than a cent would share a label.
	if cents := int((hi - lo) / 0.01); cents < n {
		n = cents
	}
	if n < 1 {
		n = 1
	}

	width := (hi - lo) / float64(n)
	bins := make([]Bin, n)
	for i := range bins {
		bins[i].Min = lo + width*float64(i)
		bins[i].Max = lo + width*float64(i+1)
	}
	bins[n-1].Max = hi
	for i := range bins {
		bins[i].Label = BinLabel(bins[i].Min, bins[i].Max)
	}

	for _, p := range products {
		if !p.HasPrice() {
			continue
		}
		i := binIndex(p.PriceValue(), lo, width, n)
		bins[i].Count++
		if p.HasRating() {
			bins[i].RatingSum += p.RatingValue()
			bins[i].RatingCount++
		}
	}
	return bins
}

func priceRange(products []model.Product) (lo, hi float64, ok bool) {
	for _, p := range products {
		if !p.HasPrice() {
			continue
		}
		v := p.PriceValue()
		if !ok || v < lo {
			lo = v
		}
		if !ok || v > hi {
			hi = v
		}
		ok = true
	}
	return lo, hi, ok
}

func binIndex(price, lo, width float64, n int) int {
	if width <= 0 {
		return 0
	}
	i := int((price - lo) / width)
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// PriceGaps reports the intervals whose bins hold fewer products than the
// mean per-bin count. Adjacent qualifying bins merge into one gap.
func PriceGaps(bins []Bin) []model.PriceGap {
	gaps := []model.PriceGap{}
	if len(bins) < 2 {
		return gaps
	}

	var total int
	for _, b := range bins {
		total += b.Count
	}
	mean := float64(total) / float64(len(bins))

	var current *model.PriceGap
	for _, b := range bins {
		if float64(b.Count) >= mean {
			current = nil
			continue
		}
		if current == nil {
			gaps = append(gaps, model.PriceGap{Min: b.Min, Max: b.Max, Count: b.Count})
			current = &gaps[len(gaps)-1]
			continue
		}
		current.Max = b.Max
		current.Count += b.Count
	}

	for i := range gaps {
		gaps[i].Label = BinLabel(gaps[i].Min, gaps[i].Max)
	}
	return gaps
}
