package tts

import (
	"context"
	"time"

	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/resilience"
)

// CircuitBreakerSynthesizer refuses calls while its breaker is open. Only the
// call that opens the stream is counted; read errors are not.
type CircuitBreakerSynthesizer struct {
	inner   Synthesizer
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerSynthesizer(inner Synthesizer, breaker *resilience.CircuitBreaker, obs metrics.Observer) *CircuitBreakerSynthesizer {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerSynthesizer{inner: inner, breaker: breaker, obs: obs}
}

func (s *CircuitBreakerSynthesizer) Name() string { return s.inner.Name() }

func (s *CircuitBreakerSynthesizer) Synthesize(ctx context.Context, text string, voice VoiceConfig) (*AudioStream, error) {
	if !s.breaker.Allow() {
		metrics.Record(s.obs, metrics.EventBreakerDenied, 1, map[string]string{"provider": s.Name(), "stage": metrics.StageSynthesize})
		return nil, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonTTSCircuitOpen)
	}
	stream, err := s.inner.Synthesize(ctx, text, voice)
	if err != nil {
		if resilience.IsRateLimit(err) {
			metrics.Record(s.obs, metrics.EventRateLimit, 1, map[string]string{"provider": s.Name(), "stage": metrics.StageSynthesize})
			err = errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
		}
		s.breaker.OnError(err)
		return nil, err
	}
	s.breaker.OnSuccess()
	return stream, nil
}
