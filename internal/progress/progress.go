// Package progress renders a ticket's progress stream as a terminal bar.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Display draws one progress bar per analysis.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	bar     *progressbar.ProgressBar
	started bool
	stopped bool

	keyword   string
	startTime time.Time
	percent   int
	phase     string
	events    int
	last      *model.ProgressEvent
}

// New creates a display writing to out.
func New(out io.Writer) *Display {
	return &Display{out: out}
}

// Start begins the display for keyword.
func (d *Display) Start(keyword string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}

	d.started = true
	d.keyword = keyword
	d.startTime = time.Now()
	d.bar = progressbar.NewOptions(100,
		progressbar.OptionSetWriter(d.out),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription(truncate(keyword, 30)),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Observe applies one event to the bar.
func (d *Display) Observe(ev model.ProgressEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return
	}

	d.events++
	d.last = &ev
	if ev.Percent > d.percent {
		d.percent = ev.Percent
	}
	d.phase = Describe(ev)

	d.bar.Describe(fmt.Sprintf("%s | %s", truncate(d.keyword, 30), d.phase))
	d.bar.Set(d.percent)
}

// Follow observes events until the channel closes and returns the last
// event seen, normally the terminal one.
func (d *Display) Follow(events <-chan model.ProgressEvent) *model.ProgressEvent {
	for ev := range events {
		d.Observe(ev)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Stop finishes the bar.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}

	d.stopped = true
	if d.last != nil && d.last.Kind == model.EventCompleted {
		d.bar.Finish()
	}
	fmt.Fprintln(d.out)
}

// Percent returns the highest percentage observed.
func (d *Display) Percent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.percent
}

// Phase returns the description of the latest event.
func (d *Display) Phase() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// PrintSummary prints a final summary after the analysis.
func (d *Display) PrintSummary(report *model.Report, failure *model.Failure) {
	d.mu.Lock()
	duration := time.Since(d.startTime)
	keyword := d.keyword
	d.mu.Unlock()

	w := d.out
	title := "Analysis Complete"
	if failure != nil {
		title = "Analysis Failed"
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(w, "║ %-60s ║\n", centre(title, 60))
	fmt.Fprintln(w, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Keyword:             %s\n", truncate(keyword, 50))
	fmt.Fprintf(w, "  Duration:            %s\n", formatDuration(duration))

	if failure != nil {
		fmt.Fprintf(w, "  Failure:             %s\n", failure.Type)
		fmt.Fprintf(w, "  Message:             %s\n", failure.Message)
		fmt.Fprintf(w, "  Suggestion:          %s\n", failure.Remedy)
		fmt.Fprintln(w)
		return
	}
	if report != nil {
		fmt.Fprintf(w, "  Source:              %s\n", report.Source)
		fmt.Fprintf(w, "  Competitors:         %d\n", report.CompetitorCount)
		fmt.Fprintf(w, "  Difficulty:          %.1f / 10\n", report.DifficultyScore)
		fmt.Fprintf(w, "  Saturation:          %.1f%%\n", report.MarketSaturationPercentage)
		fmt.Fprintf(w, "  Price Gaps:          %d\n", len(report.PriceGaps))
	}
	fmt.Fprintln(w)
}

// Describe renders an event as a short phase label.
func Describe(ev model.ProgressEvent) string {
	switch ev.Kind {
	case model.EventQueued:
		return fmt.Sprintf("queued (position %d)", ev.Position)
	case model.EventCompleted:
		return "completed"
	case model.EventError:
		if ev.Failure != nil {
			return "failed: " + ev.Failure.Type
		}
		return "failed"
	default:
		return ev.Phase
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func centre(s string, width int) string {
	pad := (width - len([]rune(s))) / 2
	if pad <= 0 {
		return s
	}
	return fmt.Sprintf("%*s%s", pad, "", s)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
