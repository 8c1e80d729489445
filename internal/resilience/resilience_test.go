package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, fastRetryConfig(5), IsRetryableNetworkError)

	if err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return errors.New("invalid api key")
	}, fastRetryConfig(5), IsRetryableNetworkError)

	if err == nil {
		t.Fatal("Expected error")
	}
	if calls != 1 {
		t.Errorf("Non-retryable error must not be retried, got %d calls", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return errors.New("timeout")
	}, fastRetryConfig(3), IsRetryableNetworkError)

	if err == nil || err.Error() != "timeout" {
		t.Fatalf("Expected last error back, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, func() error { return errors.New("timeout") }, fastRetryConfig(3), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context error, got %v", err)
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	cases := map[string]bool{
		"dial tcp: connection refused": true,
		"read: i/o timeout":            true,
		"rate limit exceeded":          true,
		"invalid request body":         false,
	}
	for msg, want := range cases {
		if got := IsRetryableNetworkError(errors.New(msg)); got != want {
			t.Errorf("%q: got %v, want %v", msg, got, want)
		}
	}
	if IsRetryableNetworkError(nil) {
		t.Error("nil error is not retryable")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("test-open", 3, time.Minute)
	boom := func() error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		cb.Call(boom)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected open after 3 failures, state %v", cb.GetState())
	}

	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Open breaker must reject immediately, got %v", err)
	}
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test-recover", 2, 20*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Call(func() error { return errors.New("boom") })
	}
	if cb.GetState() != StateOpen {
		t.Fatal("Expected open")
	}

	time.Sleep(30 * time.Millisecond)

	// Probes succeed until the breaker closes again
	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("Probe %d rejected: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after successful probes, state %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test-reopen", 1, 10*time.Millisecond)
	cb.Call(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	cb.Call(func() error { return errors.New("still down") })
	if cb.GetState() != StateOpen {
		t.Errorf("Failure during half-open must reopen, state %v", cb.GetState())
	}
}

func TestReconnect_EventualSuccess(t *testing.T) {
	calls := 0
	err := Reconnect(context.Background(), "test", func() error {
		calls++
		if calls < 2 {
			return errors.New("refused")
		}
		return nil
	}, &ReconnectConfig{MaxAttempts: 3, Backoff: time.Millisecond, Multiplier: 2.0, MaxBackoff: 5 * time.Millisecond})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestReconnect_Exhaustion(t *testing.T) {
	err := Reconnect(context.Background(), "test", func() error {
		return errors.New("refused")
	}, &ReconnectConfig{MaxAttempts: 2, Backoff: time.Millisecond, Multiplier: 2.0, MaxBackoff: 5 * time.Millisecond})

	if err == nil {
		t.Fatal("Expected exhaustion error")
	}
}
