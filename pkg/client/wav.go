package client

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/harunnryd/vocalis/pkg/audio"
)

const resampleQuality = 4

// WAVSource decodes a WAV stream into mono PCM16 at the requested rate,
// down-mixing stereo and resampling as needed.
type WAVSource struct {
	closer  io.Closer
	s       beep.Streamer
	err     func() error
	gain    float64
	samples [][2]float64
	pending []byte
}

func OpenWAV(r io.Reader, format audio.Format) (*WAVSource, error) {
	if format.Encoding != audio.EncodingPCM16 || format.Channels != 1 {
		return nil, fmt.Errorf("wav source: unsupported target format %s", format)
	}
	streamer, wf, err := wav.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("wav source: %w", err)
	}
	var s beep.Streamer = streamer
	if int(wf.SampleRate) != format.SampleRate {
		s = beep.Resample(resampleQuality, wf.SampleRate, beep.SampleRate(format.SampleRate), streamer)
	}
	return &WAVSource{
		closer:  streamer,
		s:       s,
		err:     streamer.Err,
		gain:    decodeGain(wf.Precision),
		samples: make([][2]float64, 512),
	}, nil
}

// decodeGain undoes the wav decoder's scaling of signed PCM, which divides
// by the full unsigned range and so yields samples within +-0.5.
func decodeGain(precision int) float64 {
	switch precision {
	case 2:
		return float64(1<<16-1) / float64(1<<15-1)
	case 3:
		return float64(1<<24-1) / float64(1<<23-1)
	default:
		return 1
	}
}

func (w *WAVSource) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(w.pending) > 0 {
			c := copy(p[n:], w.pending)
			w.pending = w.pending[c:]
			n += c
			continue
		}
		want := (len(p) - n + 1) / 2
		if want > len(w.samples) {
			want = len(w.samples)
		}
		got, ok := w.s.Stream(w.samples[:want])
		if got > 0 {
			w.pending = samplesToPCM(w.samples[:got], w.gain)
		}
		if !ok {
			if n > 0 || len(w.pending) > 0 {
				if len(w.pending) > 0 {
					c := copy(p[n:], w.pending)
					w.pending = w.pending[c:]
					n += c
				}
				return n, nil
			}
			if err := w.err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
	}
	return n, nil
}

func (w *WAVSource) Close() error { return w.closer.Close() }

func samplesToPCM(in [][2]float64, gain float64) []byte {
	out := make([]int16, len(in))
	for i, s := range in {
		v := (s[0] + s[1]) / 2 * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(math.Round(v * 32767))
	}
	return audio.SamplesToPCM16(out)
}

// WAVSink is a Player that accumulates reply audio and writes it as a mono
// 16-bit WAV file on Close.
type WAVSink struct {
	mu     sync.Mutex
	w      io.WriteSeeker
	format audio.Format
	pcm    []int16
	closed bool
}

func NewWAVSink(w io.WriteSeeker, sampleRate int) *WAVSink {
	return &WAVSink{w: w, format: audio.PCM16Mono(sampleRate)}
}

func beepFormat(rate int) beep.Format {
	return beep.Format{SampleRate: beep.SampleRate(rate), NumChannels: 1, Precision: 2}
}

func (s *WAVSink) Play(frame audio.Frame) error {
	data, err := audio.Convert(frame.Data, frame.Format, s.format)
	if err != nil {
		return err
	}
	pcm := audio.Frame{Format: s.format, Data: data}.Samples()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("wav sink closed")
	}
	s.pcm = append(s.pcm, pcm...)
	return nil
}

// Duration returns how many samples have been received.
func (s *WAVSink) Duration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pcm)
}

// Close writes the WAV file. The sink rejects audio afterwards.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return wav.Encode(s.w, pcmStreamer(s.pcm), beepFormat(s.format.SampleRate))
}

// pcmStreamer feeds PCM16 to the wav encoder, which truncates x*32767. The
// half-step nudge makes that truncation land back on the original sample.
func pcmStreamer(pcm []int16) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= len(pcm) {
			return 0, false
		}
		n := 0
		for n < len(samples) && pos < len(pcm) {
			v := float64(pcm[pos])
			switch {
			case v > 0:
				v = (v + 0.5) / 32767
			case v < 0:
				v = (v - 0.5) / 32767
			}
			samples[n] = [2]float64{v, v}
			n++
			pos++
		}
		return n, true
	})
}
