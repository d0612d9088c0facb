package errors

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"` // Total attempts including the first
	BaseDelay      time.Duration `json:"base_delay" yaml:"base_delay"`     // Multiplied by the attempt number
	JitterMin      time.Duration `json:"jitter_min" yaml:"jitter_min"`
	JitterMax      time.Duration `json:"jitter_max" yaml:"jitter_max"`
	RetryableTypes []ErrorType   `json:"-" yaml:"-"`
}

// DefaultRetryConfig returns the scrape engine defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		JitterMin:   2 * time.Second,
		JitterMax:   5 * time.Second,
		RetryableTypes: []ErrorType{
			Blocked,
			TimedOut,
			ParseFailed,
		},
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the wall-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier implements bounded retries with linear back-off plus jitter.
type Retrier struct {
	config  RetryConfig
	mu      sync.Mutex
	rng     *rand.Rand
	sleep   SleepFunc
	onRetry func(attempt int, err error, delay time.Duration)
}

// NewRetrier creates a new retrier.
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.JitterMax < config.JitterMin {
		config.JitterMax = config.JitterMin
	}
	if len(config.RetryableTypes) == 0 {
		config.RetryableTypes = DefaultRetryConfig().RetryableTypes
	}
	return &Retrier{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  Sleep,
	}
}

// NewDefaultRetrier creates a retrier with default configuration.
func NewDefaultRetrier() *Retrier {
	return NewRetrier(DefaultRetryConfig())
}

// SetRand replaces the jitter source. Used for deterministic tests.
func (r *Retrier) SetRand(rng *rand.Rand) {
	r.mu.Lock()
	r.rng = rng
	r.mu.Unlock()
}

// SetSleep replaces the wait function.
func (r *Retrier) SetSleep(fn SleepFunc) {
	r.sleep = fn
}

// OnRetry registers a callback invoked before each back-off wait.
func (r *Retrier) OnRetry(fn func(attempt int, err error, delay time.Duration)) {
	r.onRetry = fn
}

// Config returns the retry configuration.
func (r *Retrier) Config() RetryConfig {
	return r.config
}

// RetryFunc is a function that can be retried. attempt starts at 1.
type RetryFunc func(ctx context.Context, attempt int) error

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int             // Number of attempts made
	LastError error           // The last error encountered
	Duration  time.Duration   // Total time spent
	Success   bool            // Whether the operation succeeded
	Delays    []time.Duration // Back-off waits taken between attempts
}

// Do executes fn until it succeeds, fails with a non-retryable error or
// MaxAttempts is reached.
func (r *Retrier) Do(ctx context.Context, operation, keyword string, fn RetryFunc) *RetryResult {
	result := &RetryResult{}
	start := time.Now()

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.Duration = time.Since(start)
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			result.LastError = NewCancelledError(keyword, operation)
			break
		}

		if attempt == r.config.MaxAttempts || !r.shouldRetry(err) {
			break
		}

		delay := r.Backoff(attempt)
		result.Delays = append(result.Delays, delay)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}

		if err := r.sleep(ctx, delay); err != nil {
			result.LastError = NewCancelledError(keyword, operation)
			break
		}
	}

	result.Duration = time.Since(start)
	return result
}

// shouldRetry checks if an error should be retried.
func (r *Retrier) shouldRetry(err error) bool {
	errType := GetErrorType(err)
	for _, t := range r.config.RetryableTypes {
		if errType == t {
			return true
		}
	}
	return false
}

// Backoff returns the wait after the given failed attempt:
// BaseDelay*attempt plus a uniform draw from [JitterMin, JitterMax].
func (r *Retrier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := r.config.BaseDelay * time.Duration(attempt)

	span := r.config.JitterMax - r.config.JitterMin
	jitter := r.config.JitterMin
	if span > 0 {
		r.mu.Lock()
		jitter += time.Duration(r.rng.Int63n(int64(span) + 1))
		r.mu.Unlock()
	}
	return delay + jitter
}

// DoWithResult executes a function that returns a value and error.
func DoWithResult[T any](ctx context.Context, r *Retrier, operation, keyword string, fn func(ctx context.Context, attempt int) (T, error)) (T, *RetryResult) {
	var result T

	retryResult := r.Do(ctx, operation, keyword, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err == nil {
			result = v
		}
		return err
	})

	return result, retryResult
}
