// Package gatekeeper admits one scrape and analysis pipeline at a time,
// queues the rest in FIFO order and streams each ticket's progress.
package gatekeeper

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/metrics"
	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// ProgressFunc reports pipeline progress in [0,100] with a phase label.
type ProgressFunc func(percent int, phase string)

// Pipeline runs the scrape and analysis for one keyword.
type Pipeline func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error)

// Config configures the gatekeeper.
type Config struct {
	QueueLimit int           `json:"queue_limit" yaml:"queue_limit"` // 0 means unbounded
	Retention  time.Duration `json:"retention" yaml:"retention"`     // how long unread finished tickets are kept
}

// DefaultConfig returns the default gatekeeper configuration.
func DefaultConfig() Config {
	return Config{
		QueueLimit: 0,
		Retention:  10 * time.Minute,
	}
}

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	// NoQueue rejects the submission with a Busy error instead of queueing it
	// behind a running pipeline.
	NoQueue bool
}

// Ticket identifies a submission.
type Ticket struct {
	ID       string `json:"id"`
	Keyword  string `json:"keyword"`
	Position int    `json:"position"` // 0 when running immediately
}

var (
	// ErrUnknownTicket is returned for tickets that never existed or were released.
	ErrUnknownTicket = stderrors.New("unknown ticket")

	// ErrAlreadySubscribed is returned for a second subscriber on one ticket.
	ErrAlreadySubscribed = stderrors.New("ticket already has a subscriber")

	// ErrClosed is returned after Shutdown.
	ErrClosed = stderrors.New("gatekeeper is shut down")
)

// Gatekeeper serializes pipeline runs.
type Gatekeeper struct {
	config   Config
	pipeline Pipeline
	log      *logger.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	queue   []*job
	active  *job
	tickets map[string]*job
	closed  bool
	idle    chan struct{}
	ctx     context.Context
	stop    context.CancelFunc
}

// New creates a gatekeeper running pipeline.
func New(config Config, pipeline Pipeline, log *logger.Logger, m *metrics.Collector) *Gatekeeper {
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.New()
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Gatekeeper{
		config:   config,
		pipeline: pipeline,
		log:      log.WithComponent("gatekeeper"),
		metrics:  m,
		tickets:  make(map[string]*job),
		ctx:      ctx,
		stop:     stop,
	}
}

// Submit admits keyword. When a pipeline is already running the submission
// waits in FIFO order and receives queue-position events, unless opts.NoQueue
// is set, in which case it fails with a Busy error.
func (g *Gatekeeper) Submit(keyword string, opts SubmitOptions) (*Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}

	busy := g.active != nil || len(g.queue) > 0
	if busy && (opts.NoQueue || (g.config.QueueLimit > 0 && len(g.queue) >= g.config.QueueLimit)) {
		g.metrics.RecordBusy()
		return nil, errors.NewBusyError(keyword)
	}

	j := newJob(uuid.NewString(), keyword, time.Now())
	g.tickets[j.id] = j
	ticket := &Ticket{ID: j.id, Keyword: keyword}

	if !busy {
		g.start(j)
		return ticket, nil
	}

	g.queue = append(g.queue, j)
	ticket.Position = len(g.queue)
	g.metrics.SetQueueDepth(int64(len(g.queue)))
	j.publish(model.ProgressEvent{Kind: model.EventQueued, Position: ticket.Position, Phase: "waiting for the running analysis"})
	g.log.WithTicket(j.id).Infof("queued %q at position %d", keyword, ticket.Position)
	return ticket, nil
}

// Resolve creates a ticket that is already complete with report, for answers
// that need no pipeline run.
func (g *Gatekeeper) Resolve(keyword string, report *model.Report) *Ticket {
	j := newJob(uuid.NewString(), keyword, time.Now())

	g.mu.Lock()
	g.tickets[j.id] = j
	g.mu.Unlock()

	j.publish(model.ProgressEvent{Kind: model.EventCompleted, Phase: "cached report", Report: report})
	g.scheduleRelease(j)
	return &Ticket{ID: j.id, Keyword: keyword}
}

// Subscribe returns the ticket's event stream. The channel closes after the
// terminal event or when the ticket is cancelled. Each ticket accepts one
// subscriber.
func (g *Gatekeeper) Subscribe(ticketID string) (<-chan model.ProgressEvent, error) {
	g.mu.Lock()
	j, ok := g.tickets[ticketID]
	g.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTicket
	}

	j.mu.Lock()
	if j.subscribed {
		j.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	j.subscribed = true
	j.mu.Unlock()

	out := make(chan model.ProgressEvent, 16)
	go j.pump(out, func() { g.release(j.id) })
	return out, nil
}

// Cancel stops delivery to the ticket's subscriber. A queued ticket leaves the
// queue; a running pipeline finishes on its own without further events.
func (g *Gatekeeper) Cancel(ticketID string) error {
	g.mu.Lock()
	j, ok := g.tickets[ticketID]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownTicket
	}

	for i, q := range g.queue {
		if q == j {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			g.metrics.SetQueueDepth(int64(len(g.queue)))
			g.announcePositions()
			delete(g.tickets, j.id)
			break
		}
	}
	if g.active != j {
		delete(g.tickets, j.id)
	}
	g.mu.Unlock()

	if j.markCancelled() {
		g.log.WithTicket(j.id).Infof("ticket cancelled")
	}
	return nil
}

// Status returns the queue position of a ticket: 0 when running or finished.
func (g *Gatekeeper) Status(ticketID string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.tickets[ticketID]
	if !ok {
		return 0, false
	}
	for i, q := range g.queue {
		if q == j {
			return i + 1, true
		}
	}
	return 0, true
}

// Active reports whether a pipeline is running.
func (g *Gatekeeper) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active != nil
}

// QueueLength returns the number of waiting submissions.
func (g *Gatekeeper) QueueLength() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Shutdown stops admission, fails queued tickets as cancelled and waits for
// the running pipeline to finish or ctx to expire.
func (g *Gatekeeper) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	queued := g.queue
	g.queue = nil
	idle := g.idle
	g.mu.Unlock()

	for _, j := range queued {
		failure := errors.NewCancelledError(j.keyword, "queue").Failure()
		j.publish(model.ProgressEvent{Kind: model.EventError, Phase: "shutting down", Failure: failure})
		g.scheduleRelease(j)
	}

	if idle == nil {
		g.stop()
		return nil
	}
	select {
	case <-idle:
		g.stop()
		return nil
	case <-ctx.Done():
		g.stop()
		return ctx.Err()
	}
}

// start runs j. Caller holds g.mu.
func (g *Gatekeeper) start(j *job) {
	g.active = j
	g.idle = make(chan struct{})
	g.metrics.SetActive(1)
	j.publish(model.ProgressEvent{Kind: model.EventProgress, Percent: 0, Phase: "starting"})
	go g.run(j, g.idle)
}

func (g *Gatekeeper) run(j *job, idle chan struct{}) {
	log := g.log.WithTicket(j.id).WithKeyword(j.keyword)
	start := time.Now()
	log.Infof("pipeline started")

	report, err := g.execute(j)

	if err != nil {
		failure := errors.ToFailure(err, j.keyword)
		j.publish(model.ProgressEvent{Kind: model.EventError, Phase: "failed", Failure: failure})
		log.Warnf("pipeline failed: %s", failure.Message)
	} else {
		j.publish(model.ProgressEvent{Kind: model.EventCompleted, Phase: "done", Report: report})
		log.Infof("pipeline finished in %s", time.Since(start).Round(time.Millisecond))
	}
	g.metrics.RecordRun(time.Since(start), err == nil)
	g.scheduleRelease(j)

	g.mu.Lock()
	g.active = nil
	close(idle)
	g.idle = nil
	if len(g.queue) > 0 && !g.closed {
		next := g.queue[0]
		g.queue = g.queue[1:]
		g.metrics.SetQueueDepth(int64(len(g.queue)))
		g.start(next)
		g.announcePositions()
	} else {
		g.metrics.SetActive(0)
	}
	g.mu.Unlock()
}

// execute runs the pipeline, turning a panic into a classified failure.
func (g *Gatekeeper) execute(j *job) (report *model.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.Unknown, j.keyword, "pipeline", fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	progress := func(percent int, phase string) {
		j.publish(model.ProgressEvent{Kind: model.EventProgress, Percent: percent, Phase: phase})
	}
	report, err = g.pipeline(g.ctx, j.keyword, progress)
	if err == nil && report == nil {
		err = errors.NewParseFailedError(j.keyword, "pipeline", "pipeline produced no report")
	}
	return report, err
}

// announcePositions sends the new position to every queued ticket. Caller
// holds g.mu.
func (g *Gatekeeper) announcePositions() {
	for i, q := range g.queue {
		q.publish(model.ProgressEvent{Kind: model.EventQueued, Position: i + 1, Phase: "waiting for the running analysis"})
	}
}

// scheduleRelease drops a finished ticket after the retention window unless
// a live subscriber will release it on the terminal event.
func (g *Gatekeeper) scheduleRelease(j *job) {
	time.AfterFunc(g.config.Retention, func() {
		j.mu.Lock()
		orphaned := !j.subscribed || j.cancelled
		j.mu.Unlock()
		if orphaned {
			g.release(j.id)
		}
	})
}

func (g *Gatekeeper) release(id string) {
	g.mu.Lock()
	delete(g.tickets, id)
	g.mu.Unlock()
}
