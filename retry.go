package crest

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for storage and transport calls.
type RetryConfig struct {
	// MaxAttempts counts the first call too. Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 100ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries. Default: 30s.
	MaxBackoff time.Duration

	// BackoffMultiplier scales the backoff after each retry. Default: 2.0.
	BackoffMultiplier float64

	// Jitter in [0, 1] randomizes each delay by ±Jitter. Default: 0.1.
	Jitter float64

	// RetryIf decides whether an error is worth another attempt. Nil
	// retries everything.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the retry defaults used by the artifact store.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Retryer re-runs failing operations with exponential backoff.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a retryer, replacing out-of-range settings with
// defaults.
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0.1
	}
	return &Retryer{config: config}
}

// RetryResult reports how a retried operation went.
type RetryResult struct {
	Attempts int
	LastErr  error
}

// Do runs op until it succeeds, exhausts the attempts, hits a non-retryable
// error, or the context is canceled.
func (r *Retryer) Do(ctx context.Context, op func() error) RetryResult {
	_, res := DoWithResult(ctx, r, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return res
}

// DoWithResult is Do for operations that produce a value. On failure the
// zero value is returned alongside the retry metadata.
func DoWithResult[T any](ctx context.Context, r *Retryer, op func() (T, error)) (T, RetryResult) {
	var zero T
	backoff := r.config.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result, err := op()
		if err == nil {
			return result, RetryResult{Attempts: attempt}
		}
		lastErr = err

		if r.config.RetryIf != nil && !r.config.RetryIf(err) {
			return zero, RetryResult{Attempts: attempt, LastErr: err}
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, RetryResult{Attempts: attempt, LastErr: ctx.Err()}
		case <-time.After(r.addJitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}

	return zero, RetryResult{Attempts: r.config.MaxAttempts, LastErr: lastErr}
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	spread := float64(d) * r.config.Jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

// Retry is a convenience wrapper for one-off operations.
func Retry(ctx context.Context, maxAttempts int, op func() error) error {
	res := NewRetryer(RetryConfig{MaxAttempts: maxAttempts}).Do(ctx, op)
	return res.LastErr
}

// IsRetryable reports whether an error looks transient. Context errors are
// never retryable; everything else is matched against common network and
// backend failure patterns.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"503",
		"502",
		"504",
		"429",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// CircuitBreaker trips after consecutive failures and rejects calls until a
// cool-down elapses. Safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        circuitClosed,
	}
}

// Execute runs op unless the breaker is open, in which case ErrCircuitOpen
// is returned without calling op.
func (cb *CircuitBreaker) Execute(op func() error) error {
	cb.mu.Lock()
	allowed := cb.allowLocked()
	cb.mu.Unlock()

	if !allowed {
		return ErrCircuitOpen
	}

	err := op()

	cb.mu.Lock()
	cb.recordLocked(err)
	cb.mu.Unlock()

	return err
}

func (cb *CircuitBreaker) allowLocked() bool {
	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordLocked(err error) {
	if err == nil {
		cb.failures = 0
		cb.state = circuitClosed
		return
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State reports "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
