package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := p.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyHonorsBudget(t *testing.T) {
	p := NewRetryPolicy(2, time.Millisecond)
	calls := 0
	err := p.Do(func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 calls and an error, got %d calls err=%v", calls, err)
	}
}

func TestRetryPolicySkipsNonRetryable(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond)
	calls := 0
	_ = p.Do(func() error {
		calls++
		return ErrCircuitOpen
	})
	if calls != 1 {
		t.Fatalf("expected one call for non-retryable error, got %d", calls)
	}
}

func TestRetryPolicyCancelledDuringBackoff(t *testing.T) {
	p := NewRetryPolicy(5, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.DoContext(ctx, func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("retry did not observe cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute)
	b.OnError(errors.New("plain"))
	if !b.Allow() {
		t.Fatalf("plain errors should not trip the default breaker")
	}
	b.OnError(RateLimitError{Provider: "x"})
	b.OnError(RateLimitError{Provider: "x"})
	if b.Allow() {
		t.Fatalf("expected breaker to open")
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewCircuitBreaker(1, time.Second).TripOn(func(error) bool { return true })
	b.now = func() time.Time { return now }
	b.OnError(errors.New("down"))
	if b.Allow() {
		t.Fatalf("expected open breaker")
	}
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected breaker to allow after cooldown")
	}
	b.OnSuccess()
	if !b.Allow() {
		t.Fatalf("expected closed breaker after success")
	}
}
