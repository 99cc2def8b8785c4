package metrics

import (
	"math"
	"sync/atomic"
)

// alwaysKept are low-volume events that describe a session's outcome. The
// events file stays useful for auditing only if none of them are sampled out.
var alwaysKept = map[string]bool{
	EventSessionStarted:     true,
	EventSessionEnded:       true,
	EventUtteranceDone:      true,
	EventUtteranceDropped:   true,
	EventUtteranceDiscarded: true,
	EventStageError:         true,
	EventBreakerDenied:      true,
	EventRateLimit:          true,
}

// SamplingObserver forwards one in every 1/rate high-volume events, such as
// frame counters and stage timings. Outcome events always pass.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	counter     atomic.Uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	var every uint64
	switch {
	case rate <= 0:
		every = 0
	case rate >= 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{inner: inner, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if alwaysKept[ev.Name] || s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
