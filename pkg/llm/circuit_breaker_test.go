package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/resilience"
)

type stubReplier struct {
	err   error
	calls int
}

func (s *stubReplier) Name() string { return "stub" }

func (s *stubReplier) GenerateReply(context.Context, string, []Turn) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "ok", nil
}

func TestCircuitBreakerReplierOpensOnRateLimits(t *testing.T) {
	inner := &stubReplier{err: resilience.RateLimitError{Provider: "stub", Message: "429"}}
	obs := metrics.NewMemoryObserver()
	r := NewCircuitBreakerReplier(inner, resilience.NewCircuitBreaker(2, time.Minute))
	r.SetObserver(obs)

	for i := 0; i < 2; i++ {
		_, err := r.GenerateReply(context.Background(), "hi", nil)
		if errorsx.Reason(err) != errorsx.ReasonLLMRateLimit {
			t.Fatalf("call %d: expected rate limit reason, got %v", i, err)
		}
	}
	_, err := r.GenerateReply(context.Background(), "hi", nil)
	if !errors.Is(err, resilience.ErrCircuitOpen) || errorsx.Reason(err) != errorsx.ReasonLLMCircuitOpen {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker must not reach the provider, calls=%d", inner.calls)
	}

	var limited, denied int
	for _, ev := range obs.Snapshot() {
		switch ev.Name {
		case metrics.EventRateLimit:
			limited++
		case metrics.EventBreakerDenied:
			denied++
		}
		if ev.Tags["stage"] != metrics.StageGenerate {
			t.Fatalf("unexpected stage tag %v", ev.Tags)
		}
	}
	if limited != 2 || denied != 1 {
		t.Fatalf("unexpected events rate_limit=%d breaker_denied=%d", limited, denied)
	}
}

func TestCircuitBreakerReplierIgnoresOrdinaryErrors(t *testing.T) {
	inner := &stubReplier{err: errors.New("boom")}
	r := NewCircuitBreakerReplier(inner, resilience.NewCircuitBreaker(1, time.Minute))
	for i := 0; i < 3; i++ {
		if _, err := r.GenerateReply(context.Background(), "hi", nil); err == nil || errors.Is(err, resilience.ErrCircuitOpen) {
			t.Fatalf("call %d: unexpected %v", i, err)
		}
	}
	inner.err = nil
	if reply, err := r.GenerateReply(context.Background(), "hi", nil); err != nil || reply != "ok" {
		t.Fatalf("unexpected reply %q %v", reply, err)
	}
}
