package metrics

// TaggedObserver stamps a fixed set of tags onto every event before passing
// it on. Tags already present on the event win.
type TaggedObserver struct {
	inner Observer
	tags  map[string]string
}

// WithTags wraps inner so each event carries tags. It returns inner unchanged
// when there is nothing to add.
func WithTags(inner Observer, tags map[string]string) Observer {
	if inner == nil {
		return NoopObserver{}
	}
	if len(tags) == 0 {
		return inner
	}
	fixed := make(map[string]string, len(tags))
	for k, v := range tags {
		fixed[k] = v
	}
	return &TaggedObserver{inner: inner, tags: fixed}
}

func (t *TaggedObserver) RecordEvent(ev MetricsEvent) {
	merged := make(map[string]string, len(t.tags)+len(ev.Tags))
	for k, v := range t.tags {
		merged[k] = v
	}
	for k, v := range ev.Tags {
		merged[k] = v
	}
	ev.Tags = merged
	t.inner.RecordEvent(ev)
}
