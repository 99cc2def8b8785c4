package llm

import (
	"context"
	"time"

	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/resilience"
)

// CircuitBreakerReplier wraps a Replier with rate-limit circuit breaking.
type CircuitBreakerReplier struct {
	inner   Replier
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerReplier(inner Replier, breaker *resilience.CircuitBreaker) *CircuitBreakerReplier {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerReplier{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerReplier) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *CircuitBreakerReplier) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerReplier) GenerateReply(ctx context.Context, transcript string, history []Turn) (string, error) {
	if !a.breaker.Allow() {
		a.record(metrics.EventBreakerDenied)
		return "", errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonLLMCircuitOpen)
	}
	reply, err := a.inner.GenerateReply(ctx, transcript, history)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
			err = errorsx.Wrap(err, errorsx.ReasonLLMRateLimit)
		}
		a.breaker.OnError(err)
		return "", err
	}
	a.breaker.OnSuccess()
	return reply, nil
}

func (a *CircuitBreakerReplier) record(name string) {
	metrics.Record(a.obs, name, 1, map[string]string{"provider": a.Name(), "stage": metrics.StageGenerate})
}
