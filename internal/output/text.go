package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// TextWriter renders reports for a terminal.
type TextWriter struct {
	mu     sync.Mutex
	writer io.Writer
	stream bool
	closed bool
}

// NewTextWriter creates a new text writer.
func NewTextWriter(w io.Writer, stream bool) *TextWriter {
	return &TextWriter{writer: w, stream: stream}
}

// WriteReport writes the complete report.
func (t *TextWriter) WriteReport(r *model.Report) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Market insights for %q\n", r.Keyword)
	fmt.Fprintln(tw, strings.Repeat("=", 40))
	fmt.Fprintf(tw, "Difficulty\t%.1f / 10\n", r.DifficultyScore)
	fmt.Fprintf(tw, "  competition\t%.1f\n", r.CompetitionScore)
	fmt.Fprintf(tw, "  quality\t%.1f\n", r.QualityScore)
	fmt.Fprintf(tw, "  entry barrier\t%.1f\n", r.EntryBarrierScore)
	fmt.Fprintf(tw, "Competitors\t%d\n", r.CompetitorCount)
	fmt.Fprintf(tw, "Expedited shipping\t%d (%.1f%%)\n", r.ExpeditedCount, r.ExpeditedPercentage)
	fmt.Fprintf(tw, "Market saturation\t%.1f%%\n", r.MarketSaturationPercentage)
	if r.Source != "" {
		fmt.Fprintf(tw, "Source\t%s\n", r.Source)
	}
	if !r.CreatedAt.IsZero() {
		fmt.Fprintf(tw, "Created\t%s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	if len(r.TopNProducts) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "Top products\t")
		fmt.Fprintln(tw, "#\tReviews\tBought\tPrice\tRating\tTitle")
		for i, p := range r.TopNProducts {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n",
				i+1, p.ReviewCount, p.PurchasedLastMonth, price(p), rating(p), shorten(p.Title, 60))
		}
	}

	if len(r.PriceDistribution) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "Price bins\tProducts\tMean rating")
		for _, label := range sortedLabels(r.PriceDistribution) {
			mean := "-"
			if v, ok := r.RatingByPriceBin[label]; ok {
				mean = fmt.Sprintf("%.2f", v)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\n", label, r.PriceDistribution[label], mean)
		}
	}

	fmt.Fprintln(tw)
	if len(r.PriceGaps) == 0 {
		fmt.Fprintln(tw, "Price gaps\tnone")
	} else {
		fmt.Fprintln(tw, "Price gaps\tProducts")
		for _, g := range r.PriceGaps {
			fmt.Fprintf(tw, "%s\t%d\n", g.Label, g.Count)
		}
	}

	if len(r.TopKeywords) > 0 {
		words := make([]string, 0, len(r.TopKeywords))
		for _, k := range r.TopKeywords {
			words = append(words, fmt.Sprintf("%s(%d)", k.Word, k.Count))
		}
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "Top keywords\t%s\n", strings.Join(words, " "))
	}

	return tw.Flush()
}

// WriteEvent writes one progress line in streaming mode.
func (t *TextWriter) WriteEvent(event model.ProgressEvent) error {
	if !t.stream {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	line := fmt.Sprintf("[%3d%%] %s", event.Percent, event.Kind)
	switch {
	case event.Kind == model.EventQueued:
		line += fmt.Sprintf(" position=%d", event.Position)
	case event.Failure != nil:
		line += fmt.Sprintf(" %s: %s", event.Failure.Type, event.Failure.Message)
	case event.Phase != "":
		line += " " + event.Phase
	}
	_, err := fmt.Fprintln(t.writer, line)
	return err
}

// WriteHistory writes one line per stored report.
func (t *TextWriter) WriteHistory(reports []model.Report) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	if len(reports) == 0 {
		_, err := fmt.Fprintln(t.writer, "No reports stored.")
		return err
	}

	tw := tabwriter.NewWriter(t.writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Created\tKeyword\tDifficulty\tCompetitors\tGaps\tSource")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%d\t%d\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.Keyword, r.DifficultyScore,
			r.CompetitorCount, len(r.PriceGaps), r.Source)
	}
	return tw.Flush()
}

// Flush flushes the writer.
func (t *TextWriter) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return flush(t.writer)
}

// Close closes the writer.
func (t *TextWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	return closeWriter(t.writer)
}

func price(p model.Product) string {
	if !p.HasPrice() {
		return "-"
	}
	return fmt.Sprintf("$%.2f", p.PriceValue())
}

func rating(p model.Product) string {
	if !p.HasRating() {
		return "-"
	}
	return fmt.Sprintf("%.1f", p.RatingValue())
}

func shorten(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// sortedLabels orders "$lo-$hi" labels by their lower bound.
func sortedLabels(bins map[string]int) []string {
	labels := make([]string, 0, len(bins))
	for l := range bins {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		return lowerBound(labels[i]) < lowerBound(labels[j])
	})
	return labels
}

func lowerBound(label string) float64 {
	var lo, hi float64
	if _, err := fmt.Sscanf(label, "$%f-$%f", &lo, &hi); err != nil {
		return 0
	}
	return lo
}
