package stt

import (
	"context"

	"github.com/harunnryd/vocalis/pkg/audio"
)

// Request is one complete utterance submitted for transcription.
type Request struct {
	Audio        []byte
	Format       audio.Format
	LanguageHint string
}

// Transcriber defines the contract for any STT vendor implementation. One
// call transcribes one utterance; implementations must honor ctx
// cancellation.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Transcribe(ctx context.Context, req Request) (string, error)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SampleRate int
	Language   string
}
