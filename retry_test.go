package crest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRetryerFirstAttemptSuccess(t *testing.T) {
	r := NewRetryer(DefaultRetryConfig())

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if result.Attempts != 1 || result.LastErr != nil {
		t.Errorf("got %+v, want one clean attempt", result)
	}
	if calls != 1 {
		t.Errorf("op called %d times", calls)
	}
}

func TestRetryerEventualSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Attempts != 3 || result.LastErr != nil {
		t.Errorf("got %+v, want success on attempt 3", result)
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	persistent := errors.New("persistent")
	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return persistent
	})
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if !errors.Is(result.LastErr, persistent) {
		t.Errorf("LastErr = %v", result.LastErr)
	}
	if calls != 3 {
		t.Errorf("op called %d times", calls)
	}
}

func TestRetryerContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan RetryResult)
	go func() {
		done <- r.Do(ctx, func() error { return errors.New("fail") })
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	result := <-done
	if !errors.Is(result.LastErr, context.Canceled) {
		t.Errorf("LastErr = %v, want context.Canceled", result.LastErr)
	}
}

func TestRetryerRetryIf(t *testing.T) {
	fatal := errors.New("fatal")
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf:        func(err error) bool { return !errors.Is(err, fatal) },
	})

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 for non-retryable error", result.Attempts)
	}
	if !errors.Is(result.LastErr, fatal) {
		t.Errorf("LastErr = %v", result.LastErr)
	}
}

func TestDoWithResult(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	val, result := DoWithResult(context.Background(), r, func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("not yet")
		}
		return "payload", nil
	})
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
	if val != "payload" {
		t.Errorf("val = %q", val)
	}

	val, result = DoWithResult(context.Background(), r, func() (string, error) {
		return "partial", errors.New("always fails")
	})
	if val != "" {
		t.Errorf("failed op should return the zero value, got %q", val)
	}
	if result.LastErr == nil {
		t.Error("expected final error")
	}
}

func TestRetryConvenience(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("again")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("op called %d times, want 2", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"timeout", errors.New("request Timeout"), true},
		{"503", errors.New("status 503"), true},
		{"429", errors.New("429 Too Many Requests"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"plain failure", errors.New("bad input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	if cb.State() != "closed" {
		t.Fatalf("initial state = %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	boom := errors.New("backend down")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute: %v", err)
		}
	}
	if cb.State() != "open" {
		t.Fatalf("state after failures = %s, want open", cb.State())
	}
	if cb.Failures() != 3 {
		t.Errorf("failures = %d, want 3", cb.Failures())
	}

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker returned %v, want ErrCircuitOpen", err)
	}

	time.Sleep(150 * time.Millisecond)

	// First call after the cool-down probes in half-open state.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("state after successful probe = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)

	boom := errors.New("still down")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return boom })
	}
	if cb.State() != "open" {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("half-open probe returned %v", err)
	}
	if cb.State() != "open" {
		t.Errorf("state after failed probe = %s, want open", cb.State())
	}
}

func TestCircuitBreakerConcurrent(t *testing.T) {
	cb := NewCircuitBreaker(100, 100*time.Millisecond)

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if j%3 == 0 {
					_ = cb.Execute(func() error { return errors.New("flaky") })
				} else {
					_ = cb.Execute(func() error { return nil })
				}
				_ = cb.State()
				_ = cb.Failures()
			}
		}()
	}
	wg.Wait()

	switch cb.State() {
	case "closed", "open", "half-open":
	default:
		t.Errorf("invalid state %q", cb.State())
	}
}
