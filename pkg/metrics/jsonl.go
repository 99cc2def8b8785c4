package metrics

import (
	"context"
	"io"
	"log/slog"
	"sort"

	"github.com/harunnryd/vocalis/pkg/redact"
)

// JSONLObserver appends one JSON object per event:
//
//	{"time":...,"level":"INFO","msg":"utterance_done","value":1,
//	 "tags":{"outcome":"ok","session_id":"..."},"fields":{"transcript":"..."}}
//
// String fields pass through redact.Text before they are written.
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	attrs := []slog.Attr{slog.Float64("value", ev.Value)}
	if len(ev.Tags) > 0 {
		attrs = append(attrs, slog.Attr{Key: "tags", Value: slog.GroupValue(tagAttrs(ev.Tags)...)})
	}
	if fields := redact.Fields(ev.Fields); len(fields) > 0 {
		attrs = append(attrs, slog.Attr{Key: "fields", Value: slog.GroupValue(fieldAttrs(fields)...)})
	}
	r := slog.NewRecord(ev.Time, slog.LevelInfo, ev.Name, 0)
	r.AddAttrs(attrs...)
	_ = o.logger.Handler().Handle(context.Background(), r)
}

func tagAttrs(tags map[string]string) []slog.Attr {
	out := make([]slog.Attr, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, slog.String(k, tags[k]))
	}
	return out
}

func fieldAttrs(fields map[string]any) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
