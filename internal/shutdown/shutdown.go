// Package shutdown tears the insights service down in a fixed order when a
// signal arrives: stop the HTTP listener, drain the gatekeeper, close the
// browser, then the cache and the store.
package shutdown

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/logger"
)

// Step is a function called during shutdown.
type Step func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	Timeout time.Duration
	Signals []os.Signal
	Logger  *logger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name    string
	Elapsed time.Duration
	Err     error
}

// Result holds the result of a shutdown.
type Result struct {
	Elapsed time.Duration
	Steps   []StepResult
}

// Errors returns the errors of failed steps in execution order.
func (r *Result) Errors() []error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errs
}

// HasErrors returns whether any step failed.
func (r *Result) HasErrors() bool {
	return len(r.Errors()) > 0
}

type namedStep struct {
	name string
	step Step
}

// Handler runs registered steps once, newest registration first.
type Handler struct {
	mu    sync.Mutex
	steps []namedStep

	isShuttingDown atomic.Bool
	done           chan struct{}
	timeout        time.Duration
	result         *Result

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
	log     *logger.Logger
}

// New creates a handler and subscribes to the configured signals.
func New(cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
		log:     cfg.Logger.WithComponent("shutdown"),
	}

	signal.Notify(h.sigChan, cfg.Signals...)

	return h
}

// NewDefault creates a handler with default configuration.
func NewDefault() *Handler {
	return New(DefaultConfig())
}

// Register adds a named step. Steps run in reverse registration order, so
// register long-lived resources before the components that use them.
func (h *Handler) Register(name string, step Step) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.steps = append(h.steps, namedStep{name: name, step: step})
}

// RegisterFunc registers a cleanup function that cannot fail.
func (h *Handler) RegisterFunc(name string, fn func()) {
	h.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// RegisterCloser registers an io.Closer such as a store or cache.
func (h *Handler) RegisterCloser(name string, c io.Closer) {
	h.Register(name, func(ctx context.Context) error {
		return c.Close()
	})
}

// Drainer is a component that finishes in-flight work before stopping,
// such as the HTTP server or the gatekeeper.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// RegisterDrainer registers a Drainer.
func (h *Handler) RegisterDrainer(name string, d Drainer) {
	h.Register(name, d.Shutdown)
}

// Context is cancelled when shutdown begins.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// IsShuttingDown returns whether shutdown is in progress.
func (h *Handler) IsShuttingDown() bool {
	return h.isShuttingDown.Load()
}

// Done returns a channel that is closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (h *Handler) Result() *Result {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// Wait blocks until a signal arrives or ctx is done, then shuts down.
func (h *Handler) Wait(ctx context.Context) *Result {
	select {
	case sig := <-h.sigChan:
		h.log.Infof("Received %s, shutting down", sig)
	case <-ctx.Done():
	case <-h.ctx.Done():
		<-h.done
		return h.result
	}
	return h.Shutdown()
}

// Shutdown runs every step once. Later calls wait for the first to finish
// and return its result.
func (h *Handler) Shutdown() *Result {
	if !h.isShuttingDown.CompareAndSwap(false, true) {
		<-h.done
		return h.result
	}

	start := time.Now()
	h.cancel()
	signal.Stop(h.sigChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.timeout)
	defer shutdownCancel()

	h.mu.Lock()
	steps := make([]namedStep, len(h.steps))
	copy(steps, h.steps)
	h.mu.Unlock()

	result := &Result{}
	for i := len(steps) - 1; i >= 0; i-- {
		stepStart := time.Now()
		err := h.execute(shutdownCtx, steps[i])
		sr := StepResult{Name: steps[i].name, Elapsed: time.Since(stepStart), Err: err}
		result.Steps = append(result.Steps, sr)

		if err != nil {
			h.log.WithError(err).Warnf("Shutdown step %s failed", sr.Name)
		} else {
			h.log.Debugf("Shutdown step %s done in %s", sr.Name, sr.Elapsed)
		}
	}
	result.Elapsed = time.Since(start)

	h.log.Infof("Shutdown complete in %s", result.Elapsed.Round(time.Millisecond))
	h.result = result
	close(h.done)
	return result
}

// execute runs a step, giving up when the shutdown budget is spent.
func (h *Handler) execute(ctx context.Context, s namedStep) error {
	done := make(chan error, 1)

	go func() {
		done <- s.step(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{Step: s.name}
	}
}

// Trigger delivers a synthetic SIGTERM to Wait.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

// TimeoutError is returned when a step outlives the shutdown budget.
type TimeoutError struct {
	Step string
}

func (e *TimeoutError) Error() string {
	return "shutdown step timed out: " + e.Step
}
