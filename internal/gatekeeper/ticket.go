package gatekeeper

import (
	"sync"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// job is one submission. Its event buffer is unbounded so the pipeline never
// waits on a slow subscriber; the subscriber pump drains it in order.
type job struct {
	id       string
	keyword  string
	created  time.Time
	mu       sync.Mutex
	events   []model.ProgressEvent
	notify   chan struct{}
	cancel   chan struct{}
	done     chan struct{}
	percent  int
	terminal bool

	subscribed bool
	cancelled  bool
}

func newJob(id, keyword string, now time.Time) *job {
	return &job{
		id:      id,
		keyword: keyword,
		created: now,
		notify:  make(chan struct{}, 1),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// publish appends ev to the job's stream. Progress percentages never go
// backwards and nothing follows the terminal event.
func (j *job) publish(ev model.ProgressEvent) {
	j.mu.Lock()
	if j.terminal {
		j.mu.Unlock()
		return
	}

	ev.Ticket = j.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	switch ev.Kind {
	case model.EventProgress:
		if ev.Percent < j.percent {
			ev.Percent = j.percent
		}
		if ev.Percent > 100 {
			ev.Percent = 100
		}
		j.percent = ev.Percent
	case model.EventCompleted:
		ev.Percent = 100
		j.percent = 100
	case model.EventError, model.EventQueued:
		ev.Percent = j.percent
	}

	if ev.Terminal() {
		j.terminal = true
		close(j.done)
	}
	if !j.cancelled {
		j.events = append(j.events, ev)
	}
	j.mu.Unlock()

	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// take removes and returns the buffered events.
func (j *job) take() ([]model.ProgressEvent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	events := j.events
	j.events = nil
	return events, j.cancelled
}

// markCancelled stops delivery. It reports false when already cancelled.
func (j *job) markCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return false
	}
	j.cancelled = true
	j.events = nil
	close(j.cancel)
	return true
}

// pump copies the job's events to out in order and closes out after the
// terminal event or on cancellation.
func (j *job) pump(out chan<- model.ProgressEvent, onTerminal func()) {
	defer close(out)
	for {
		events, cancelled := j.take()
		if cancelled {
			return
		}
		for _, ev := range events {
			select {
			case out <- ev:
			case <-j.cancel:
				return
			}
			if ev.Terminal() {
				onTerminal()
				return
			}
		}

		select {
		case <-j.notify:
		case <-j.cancel:
			return
		}
	}
}
