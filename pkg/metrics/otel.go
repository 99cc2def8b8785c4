package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/harunnryd/vocalis"

// latencyBuckets are histogram boundaries in seconds for pipeline stages.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// OTelObserver translates MetricsEvents into OpenTelemetry instruments.
type OTelObserver struct {
	stageDuration  metric.Float64Histogram
	firstAudio     metric.Float64Histogram
	utterances     metric.Int64Counter
	dropped        metric.Int64Counter
	discarded      metric.Int64Counter
	stageErrors    metric.Int64Counter
	rejectedFrames metric.Int64Counter
	sequenceGaps   metric.Int64Counter
	audioFramesOut metric.Int64Counter
	breakerDenied  metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
}

func NewOTelObserver(mp metric.MeterProvider) (*OTelObserver, error) {
	m := mp.Meter(meterName)
	var err error
	o := &OTelObserver{}

	if o.stageDuration, err = m.Float64Histogram("vocalis.stage.duration",
		metric.WithDescription("Latency of a pipeline stage by stage and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if o.firstAudio, err = m.Float64Histogram("vocalis.reply.first_audio",
		metric.WithDescription("Time from utterance dequeue to first reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if o.utterances, err = m.Int64Counter("vocalis.utterances",
		metric.WithDescription("Utterances processed by outcome."),
	); err != nil {
		return nil, err
	}
	if o.dropped, err = m.Int64Counter("vocalis.utterances.dropped",
		metric.WithDescription("Utterances evicted from a full intake queue."),
	); err != nil {
		return nil, err
	}
	if o.discarded, err = m.Int64Counter("vocalis.utterances.discarded",
		metric.WithDescription("Partial utterances discarded before transcription."),
	); err != nil {
		return nil, err
	}
	if o.stageErrors, err = m.Int64Counter("vocalis.stage.errors",
		metric.WithDescription("Stage failures by stage and reason."),
	); err != nil {
		return nil, err
	}
	if o.rejectedFrames, err = m.Int64Counter("vocalis.frames.rejected",
		metric.WithDescription("Inbound audio chunks that failed to decode."),
	); err != nil {
		return nil, err
	}
	if o.sequenceGaps, err = m.Int64Counter("vocalis.frames.gaps",
		metric.WithDescription("Missing inbound frames filled or flagged."),
	); err != nil {
		return nil, err
	}
	if o.audioFramesOut, err = m.Int64Counter("vocalis.frames.out",
		metric.WithDescription("Reply audio frames sent to clients."),
	); err != nil {
		return nil, err
	}
	if o.breakerDenied, err = m.Int64Counter("vocalis.breaker.denied",
		metric.WithDescription("Service calls refused by an open circuit breaker."),
	); err != nil {
		return nil, err
	}
	if o.activeSessions, err = m.Int64UpDownCounter("vocalis.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OTelObserver) RecordEvent(ev MetricsEvent) {
	ctx := context.Background()
	attrs := metric.WithAttributes(tagAttributes(ev.Tags)...)
	switch ev.Name {
	case EventSessionStarted:
		o.activeSessions.Add(ctx, 1)
	case EventSessionEnded:
		o.activeSessions.Add(ctx, -1)
	case EventStageDuration:
		o.stageDuration.Record(ctx, ev.Value, attrs)
	case EventTTSFirstAudio:
		o.firstAudio.Record(ctx, ev.Value, attrs)
	case EventUtteranceDone:
		o.utterances.Add(ctx, 1, attrs)
	case EventUtteranceDropped:
		o.dropped.Add(ctx, 1)
	case EventUtteranceDiscarded:
		o.discarded.Add(ctx, 1)
	case EventStageError:
		o.stageErrors.Add(ctx, 1, attrs)
	case EventFrameRejected:
		o.rejectedFrames.Add(ctx, 1)
	case EventSequenceGap:
		o.sequenceGaps.Add(ctx, int64(ev.Value))
	case EventAudioFramesOut:
		o.audioFramesOut.Add(ctx, int64(ev.Value))
	case EventBreakerDenied:
		o.breakerDenied.Add(ctx, 1, attrs)
	}
}

// tagAttributes keeps only low-cardinality tags; session and utterance IDs
// are left to logs.
func tagAttributes(tags map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		switch k {
		case "session_id", "utterance_id", "trace_id":
			continue
		}
		out = append(out, attribute.String(k, v))
	}
	return out
}
