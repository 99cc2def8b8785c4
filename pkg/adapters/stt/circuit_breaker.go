package stt

import (
	"context"
	"time"

	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/resilience"
)

// CircuitBreakerTranscriber refuses calls while its breaker is open.
type CircuitBreakerTranscriber struct {
	inner   Transcriber
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerTranscriber(inner Transcriber, breaker *resilience.CircuitBreaker, obs metrics.Observer) *CircuitBreakerTranscriber {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerTranscriber{inner: inner, breaker: breaker, obs: obs}
}

func (t *CircuitBreakerTranscriber) Name() string { return t.inner.Name() }

func (t *CircuitBreakerTranscriber) Transcribe(ctx context.Context, req Request) (string, error) {
	if !t.breaker.Allow() {
		metrics.Record(t.obs, metrics.EventBreakerDenied, 1, map[string]string{"provider": t.Name(), "stage": metrics.StageTranscribe})
		return "", errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonSTTCircuitOpen)
	}
	text, err := t.inner.Transcribe(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			metrics.Record(t.obs, metrics.EventRateLimit, 1, map[string]string{"provider": t.Name(), "stage": metrics.StageTranscribe})
			err = errorsx.Wrap(err, errorsx.ReasonSTTRateLimit)
		}
		t.breaker.OnError(err)
		return "", err
	}
	t.breaker.OnSuccess()
	return text, nil
}
