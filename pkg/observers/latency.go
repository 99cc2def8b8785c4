package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/vocalis/pkg/metrics"
)

// LatencyObserver logs a per-utterance latency breakdown. Stage events carry
// no utterance ID, so timings are grouped by session: a session processes one
// utterance at a time.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	stages     map[string]float64
	firstAudio float64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Name == metrics.EventSessionEnded {
		delete(o.traces, sessionID)
		return
	}
	t := o.traces[sessionID]
	if t == nil {
		t = &trace{stages: make(map[string]float64)}
		o.traces[sessionID] = t
	}
	switch ev.Name {
	case metrics.EventStageDuration:
		t.stages[ev.Tags["stage"]] += ev.Value
	case metrics.EventTTSFirstAudio:
		t.firstAudio = ev.Value
	case metrics.EventUtteranceDone:
		o.logLocked(sessionID, ev, t)
		delete(o.traces, sessionID)
	case metrics.EventUtteranceDiscarded:
		delete(o.traces, sessionID)
	}
}

func (o *LatencyObserver) logLocked(sessionID string, ev metrics.MetricsEvent, t *trace) {
	transcribe := t.stages[metrics.StageTranscribe]
	generate := t.stages[metrics.StageGenerate]
	ttfb := -1.0
	if t.firstAudio > 0 {
		ttfb = transcribe + generate + t.firstAudio
	}
	o.log.Info("latency",
		"session_id", sessionID,
		"utterance_id", ev.Tags["utterance_id"],
		"outcome", ev.Tags["outcome"],
		"transcribe_ms", millis(transcribe),
		"generate_ms", millis(generate),
		"synthesize_ms", millis(t.stages[metrics.StageSynthesize]),
		"first_audio_ms", millis(t.firstAudio),
		"stream_ms", millis(t.stages[metrics.StageStream]),
		"ttfb_ms", millis(ttfb),
	)
}

func millis(sec float64) int64 {
	if sec < 0 {
		return -1
	}
	return int64(sec * 1000)
}

var _ metrics.Observer = (*LatencyObserver)(nil)
