package mock

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/audio"
)

type TTSConfig struct {
	SampleRate int
	// PerChar is the synthesized duration per input character.
	PerChar time.Duration
	Steps   []Step
	Delay   time.Duration
	// ChunkDelay paces reads from the returned stream.
	ChunkDelay time.Duration
	// FailAfter makes the stream fail once this many bytes were read.
	FailAfter int
}

// Synthesizer renders a 220Hz tone whose length follows the text length.
type Synthesizer struct {
	script
	cfg TTSConfig
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.PerChar <= 0 {
		cfg.PerChar = 20 * time.Millisecond
	}
	return &Synthesizer{cfg: cfg, script: script{steps: cfg.Steps, def: Step{Delay: cfg.Delay}}}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.VoiceConfig) (*tts.AudioStream, error) {
	step, _ := s.next()
	if err := wait(ctx, step.Delay); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	format := audio.PCM16Mono(s.cfg.SampleRate)
	d := time.Duration(len([]rune(text))) * s.cfg.PerChar
	n := format.FrameBytes(d) / 2
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(6000 * math.Sin(2*math.Pi*220*float64(i)/float64(s.cfg.SampleRate)))
	}
	body := &toneReader{ctx: ctx, data: audio.SamplesToPCM16(samples), pace: s.cfg.ChunkDelay, failAfter: s.cfg.FailAfter}
	return &tts.AudioStream{Format: format, Body: body}, nil
}

var errStreamBroken = errors.New("mock tts stream broken")

type toneReader struct {
	ctx       context.Context
	data      []byte
	off       int
	pace      time.Duration
	failAfter int
	closed    bool
}

func (r *toneReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if err := wait(r.ctx, r.pace); err != nil {
		return 0, err
	}
	if r.failAfter > 0 && r.off >= r.failAfter {
		return 0, errStreamBroken
	}
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	if r.failAfter > 0 && r.off+n > r.failAfter {
		n = r.failAfter - r.off
	}
	r.off += n
	return n, nil
}

func (r *toneReader) Close() error {
	r.closed = true
	return nil
}
