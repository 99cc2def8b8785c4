package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/vocalis/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcript is returned once Steps are exhausted.
	Transcript string
	Steps      []Step
	Delay      time.Duration
}

// Transcriber returns scripted transcripts and records every request.
type Transcriber struct {
	script
	reqMu    sync.Mutex
	requests []stt.Request
}

func NewSTT(cfg STTConfig) *Transcriber {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &Transcriber{script: script{steps: cfg.Steps, def: Step{Text: cfg.Transcript, Delay: cfg.Delay}}}
}

func (t *Transcriber) Name() string { return "mock_stt" }

func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	t.reqMu.Lock()
	t.requests = append(t.requests, req)
	t.reqMu.Unlock()

	step, _ := t.next()
	if err := wait(ctx, step.Delay); err != nil {
		return "", err
	}
	if step.Err != nil {
		return "", step.Err
	}
	return step.Text, nil
}

// Requests returns a copy of the requests seen so far.
func (t *Transcriber) Requests() []stt.Request {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()
	return append([]stt.Request(nil), t.requests...)
}
