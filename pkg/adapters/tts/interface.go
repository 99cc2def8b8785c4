package tts

import (
	"context"
	"io"

	"github.com/harunnryd/vocalis/pkg/audio"
)

// VoiceConfig selects the voice for a synthesis call.
type VoiceConfig struct {
	Voice    string
	Language string
	Speed    float64
}

// AudioStream is synthesized speech. Body yields raw samples in Format and
// must be closed by the consumer.
type AudioStream struct {
	Format audio.Format
	Body   io.ReadCloser
}

// Synthesizer defines the contract for any TTS vendor implementation.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Synthesize(ctx context.Context, text string, voice VoiceConfig) (*AudioStream, error)
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	SampleRate int
	Voice      VoiceConfig
}
