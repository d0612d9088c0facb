package gatekeeper

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/model"
)

func collect(t *testing.T, ch <-chan model.ProgressEvent) []model.ProgressEvent {
	t.Helper()
	var events []model.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %+v", events)
			return events
		}
	}
}

func next(t *testing.T, ch <-chan model.ProgressEvent) model.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed, want event")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.ProgressEvent{}
}

func waitIdle(t *testing.T, g *Gatekeeper) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for g.Active() {
		if time.Now().After(deadline) {
			t.Fatal("gatekeeper still active")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func reportPipeline(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
	progress(40, "scraping")
	progress(80, "analyzing")
	return &model.Report{Keyword: keyword}, nil
}

// =============================================================================
// Submission Tests
// =============================================================================

func TestGatekeeper_SingleRun(t *testing.T) {
	g := New(DefaultConfig(), reportPipeline, nil, nil)

	ticket, err := g.Submit("mouse", SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ticket.Position != 0 {
		t.Errorf("Position = %d, want 0", ticket.Position)
	}

	ch, err := g.Subscribe(ticket.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	events := collect(t, ch)

	if len(events) != 4 {
		t.Fatalf("events = %+v, want 4", events)
	}
	last := events[len(events)-1]
	if last.Kind != model.EventCompleted {
		t.Fatalf("last Kind = %v, want completed", last.Kind)
	}
	if last.Report == nil || last.Report.Keyword != "mouse" {
		t.Errorf("Report = %+v, want keyword mouse", last.Report)
	}
	if last.Percent != 100 {
		t.Errorf("last Percent = %d, want 100", last.Percent)
	}
	for _, ev := range events {
		if ev.Ticket != ticket.ID {
			t.Errorf("event Ticket = %q, want %q", ev.Ticket, ticket.ID)
		}
	}
}

func TestGatekeeper_ProgressNeverDecreases(t *testing.T) {
	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		progress(50, "a")
		progress(30, "b")
		progress(120, "c")
		return &model.Report{}, nil
	}
	g := New(DefaultConfig(), pipeline, nil, nil)

	ticket, _ := g.Submit("mouse", SubmitOptions{})
	ch, _ := g.Subscribe(ticket.ID)
	events := collect(t, ch)

	want := []int{0, 50, 50, 100, 100}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, p := range want {
		if events[i].Percent != p {
			t.Errorf("events[%d].Percent = %d, want %d", i, events[i].Percent, p)
		}
	}
	if events[2].Phase != "b" {
		t.Errorf("events[2].Phase = %q, want b", events[2].Phase)
	}
}

func TestGatekeeper_QueuesSecondSubmission(t *testing.T) {
	release := make(chan struct{})
	var running, maxRunning atomic.Int32
	var mu sync.Mutex
	var order []string

	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		mu.Lock()
		order = append(order, "start "+keyword)
		mu.Unlock()

		if keyword == "first" {
			<-release
		}
		progress(50, "working")

		mu.Lock()
		order = append(order, "end "+keyword)
		mu.Unlock()
		running.Add(-1)
		return &model.Report{Keyword: keyword}, nil
	}
	g := New(DefaultConfig(), pipeline, nil, nil)

	first, err := g.Submit("first", SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	second, err := g.Submit("second", SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	if second.Position != 1 {
		t.Errorf("second Position = %d, want 1", second.Position)
	}
	if pos, ok := g.Status(second.ID); !ok || pos != 1 {
		t.Errorf("Status(second) = %d, %v, want 1, true", pos, ok)
	}

	ch1, _ := g.Subscribe(first.ID)
	ch2, _ := g.Subscribe(second.ID)

	queued := next(t, ch2)
	if queued.Kind != model.EventQueued || queued.Position != 1 {
		t.Errorf("first event of second = %+v, want queued at 1", queued)
	}

	close(release)
	events1 := collect(t, ch1)
	if events1[len(events1)-1].Kind != model.EventCompleted {
		t.Fatalf("first stream did not complete: %+v", events1)
	}

	events2 := collect(t, ch2)
	if len(events2) == 0 || events2[0].Kind != model.EventProgress || events2[0].Phase != "starting" {
		t.Errorf("second stream after queue = %+v, want starting first", events2)
	}
	if events2[len(events2)-1].Report.Keyword != "second" {
		t.Errorf("second report = %+v", events2[len(events2)-1].Report)
	}

	if maxRunning.Load() != 1 {
		t.Errorf("max concurrent pipelines = %d, want 1", maxRunning.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"start first", "end first", "start second", "end second"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestGatekeeper_NoQueueIsBusy(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		<-release
		return &model.Report{}, nil
	}
	g := New(DefaultConfig(), pipeline, nil, nil)

	if _, err := g.Submit("first", SubmitOptions{NoQueue: true}); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	_, err := g.Submit("second", SubmitOptions{NoQueue: true})
	if got := errors.GetErrorType(err); got != errors.Busy {
		t.Errorf("error type = %v, want busy", got)
	}
	if g.QueueLength() != 0 {
		t.Errorf("QueueLength() = %d, want 0", g.QueueLength())
	}
}

func TestGatekeeper_QueueLimit(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		<-release
		return &model.Report{}, nil
	}
	g := New(Config{QueueLimit: 1}, pipeline, nil, nil)

	g.Submit("a", SubmitOptions{})
	if _, err := g.Submit("b", SubmitOptions{}); err != nil {
		t.Fatalf("Submit(b) error = %v", err)
	}
	_, err := g.Submit("c", SubmitOptions{})
	if got := errors.GetErrorType(err); got != errors.Busy {
		t.Errorf("error type = %v, want busy", got)
	}
}

// =============================================================================
// Failure Tests
// =============================================================================

func TestGatekeeper_PipelineError(t *testing.T) {
	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		progress(30, "scraping")
		return nil, errors.NewBlockedError(keyword, "search", "captcha")
	}
	g := New(DefaultConfig(), pipeline, nil, nil)

	ticket, _ := g.Submit("mouse", SubmitOptions{})
	ch, _ := g.Subscribe(ticket.ID)
	events := collect(t, ch)

	last := events[len(events)-1]
	if last.Kind != model.EventError {
		t.Fatalf("last Kind = %v, want error", last.Kind)
	}
	if last.Failure == nil || last.Failure.Type != "blocked" {
		t.Errorf("Failure = %+v, want blocked", last.Failure)
	}
	if last.Failure.Remedy == "" {
		t.Error("Failure.Remedy is empty")
	}
}

func TestGatekeeper_PipelinePanicIsClassified(t *testing.T) {
	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		panic("boom")
	}
	g := New(DefaultConfig(), pipeline, nil, nil)

	ticket, _ := g.Submit("mouse", SubmitOptions{})
	ch, _ := g.Subscribe(ticket.ID)
	events := collect(t, ch)

	last := events[len(events)-1]
	if last.Kind != model.EventError || last.Failure == nil {
		t.Fatalf("last = %+v, want error with failure", last)
	}

	waitIdle(t, g)
	if _, err := g.Submit("again", SubmitOptions{NoQueue: true}); err != nil {
		t.Errorf("Submit() after panic error = %v, want admission", err)
	}
}

// =============================================================================
// Subscription Tests
// =============================================================================

func TestGatekeeper_CancelStopsDelivery(t *testing.T) {
	step := make(chan struct{})
	finished := make(chan struct{})
	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		progress(10, "scraping")
		<-step
		progress(90, "analyzing")
		close(finished)
		return &model.Report{}, nil
	}
	g := New(DefaultConfig(), pipeline, nil, nil)

	ticket, _ := g.Submit("mouse", SubmitOptions{})
	ch, _ := g.Subscribe(ticket.ID)

	next(t, ch)
	if err := g.Cancel(ticket.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(step)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not run to completion after cancel")
	}

	for ev := range ch {
		if ev.Kind == model.EventCompleted || ev.Percent >= 90 {
			t.Errorf("received %+v after cancel", ev)
		}
	}
}

func TestGatekeeper_CancelQueuedTicket(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		<-release
		return &model.Report{}, nil
	}
	g := New(DefaultConfig(), pipeline, nil, nil)

	g.Submit("a", SubmitOptions{})
	b, _ := g.Submit("b", SubmitOptions{})
	c, _ := g.Submit("c", SubmitOptions{})

	chC, _ := g.Subscribe(c.ID)
	if ev := next(t, chC); ev.Position != 2 {
		t.Fatalf("c Position = %d, want 2", ev.Position)
	}

	if err := g.Cancel(b.ID); err != nil {
		t.Fatalf("Cancel(b) error = %v", err)
	}
	if g.QueueLength() != 1 {
		t.Errorf("QueueLength() = %d, want 1", g.QueueLength())
	}
	if ev := next(t, chC); ev.Kind != model.EventQueued || ev.Position != 1 {
		t.Errorf("c update = %+v, want queued at 1", ev)
	}
	if _, err := g.Subscribe(b.ID); !stderrors.Is(err, ErrUnknownTicket) {
		t.Errorf("Subscribe(b) error = %v, want ErrUnknownTicket", err)
	}
}

func TestGatekeeper_SubscribeErrors(t *testing.T) {
	g := New(DefaultConfig(), reportPipeline, nil, nil)

	if _, err := g.Subscribe("nope"); !stderrors.Is(err, ErrUnknownTicket) {
		t.Errorf("Subscribe(unknown) error = %v, want ErrUnknownTicket", err)
	}

	ticket, _ := g.Submit("mouse", SubmitOptions{})
	if _, err := g.Subscribe(ticket.ID); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := g.Subscribe(ticket.ID); !stderrors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("second Subscribe() error = %v, want ErrAlreadySubscribed", err)
	}
}

func TestGatekeeper_Resolve(t *testing.T) {
	g := New(DefaultConfig(), reportPipeline, nil, nil)

	ticket := g.Resolve("mouse", &model.Report{Keyword: "mouse", Source: model.SourceCache})
	ch, err := g.Subscribe(ticket.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	events := collect(t, ch)
	if len(events) != 1 || events[0].Kind != model.EventCompleted {
		t.Fatalf("events = %+v, want one completed", events)
	}
	if g.Active() {
		t.Error("Active() = true, want false for a resolved ticket")
	}
}

func TestGatekeeper_Shutdown(t *testing.T) {
	release := make(chan struct{})
	pipeline := func(ctx context.Context, keyword string, progress ProgressFunc) (*model.Report, error) {
		<-release
		return &model.Report{}, nil
	}
	g := New(DefaultConfig(), pipeline, nil, nil)

	g.Submit("a", SubmitOptions{})
	b, _ := g.Submit("b", SubmitOptions{})
	chB, _ := g.Subscribe(b.ID)

	done := make(chan error, 1)
	go func() { done <- g.Shutdown(context.Background()) }()

	events := collect(t, chB)
	last := events[len(events)-1]
	if last.Kind != model.EventError || last.Failure == nil || last.Failure.Type != "cancelled" {
		t.Errorf("queued ticket last event = %+v, want cancelled error", last)
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() did not return")
	}

	if _, err := g.Submit("c", SubmitOptions{}); !stderrors.Is(err, ErrClosed) {
		t.Errorf("Submit() after shutdown error = %v, want ErrClosed", err)
	}
}
