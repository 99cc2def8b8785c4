package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/vocalis/pkg/metrics"
)

// UsageSummary is the per-session provider usage written on session end.
type UsageSummary struct {
	SessionID     string             `json:"session_id"`
	Transport     string             `json:"transport,omitempty"`
	UtterancesOK  int                `json:"utterances_ok"`
	UtterancesErr int                `json:"utterances_error"`
	Dropped       int                `json:"utterances_dropped"`
	Discarded     int                `json:"utterances_discarded"`
	FramesOut     int64              `json:"audio_frames_out"`
	StageSeconds  map[string]float64 `json:"stage_seconds"`
	StageErrors   map[string]int     `json:"stage_errors,omitempty"`
	RateLimited   int                `json:"rate_limited"`
	BreakerDenied int                `json:"breaker_denied"`
	RecordedAtUTC string             `json:"recorded_at_utc"`
}

// UsageObserver accumulates usage per session and writes
// <dir>/<session>.usage.json when the session ends.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := ev.Tags["session_id"]
	if id == "" {
		return
	}
	o.mu.Lock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{SessionID: id, StageSeconds: make(map[string]float64)}
		o.stats[id] = stat
	}
	if stat.Transport == "" {
		stat.Transport = ev.Tags["transport"]
	}
	switch ev.Name {
	case metrics.EventUtteranceDone:
		if ev.Tags["outcome"] == "ok" {
			stat.UtterancesOK++
		} else {
			stat.UtterancesErr++
		}
	case metrics.EventUtteranceDropped:
		stat.Dropped++
	case metrics.EventUtteranceDiscarded:
		stat.Discarded++
	case metrics.EventAudioFramesOut:
		stat.FramesOut += int64(ev.Value)
	case metrics.EventStageDuration:
		stat.StageSeconds[ev.Tags["stage"]] += ev.Value
	case metrics.EventStageError:
		if stat.StageErrors == nil {
			stat.StageErrors = make(map[string]int)
		}
		stat.StageErrors[ev.Tags["stage"]]++
	case metrics.EventRateLimit:
		stat.RateLimited++
	case metrics.EventBreakerDenied:
		stat.BreakerDenied++
	}
	if ev.Name != metrics.EventSessionEnded {
		o.mu.Unlock()
		return
	}
	delete(o.stats, id)
	o.mu.Unlock()
	_ = o.write(stat)
}

// Close writes summaries for sessions that never reported an end.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*UsageSummary)
	o.mu.Unlock()
	var errOut error
	for _, stat := range pending {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *UsageObserver) write(stat *UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(stat.SessionID)+usageSuffix), b, 0o644)
}

var _ metrics.Observer = (*UsageObserver)(nil)
