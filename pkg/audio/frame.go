package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Encoding identifies the sample representation carried by a Frame.
type Encoding uint8

const (
	EncodingPCM16 Encoding = 1
	EncodingMuLaw Encoding = 2
)

func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "pcm16"
	case EncodingMuLaw:
		return "mulaw"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// Valid reports whether the encoding is one the codec understands.
func (e Encoding) Valid() bool {
	return e == EncodingPCM16 || e == EncodingMuLaw
}

// Format describes the fixed audio parameters of a session.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// PCM16Mono returns the default session format at the given rate.
func PCM16Mono(rate int) Format {
	return Format{SampleRate: rate, Channels: 1, Encoding: EncodingPCM16}
}

func (f Format) String() string {
	return fmt.Sprintf("%s_%d_%dch", f.Encoding, f.SampleRate, f.Channels)
}

// BytesPerSample returns the width of one sample of one channel.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingMuLaw {
		return 1
	}
	return 2
}

// BlockAlign returns the number of bytes per sample frame (all channels).
func (f Format) BlockAlign() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.BytesPerSample() * ch
}

// Duration returns the playback time of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := n / f.BlockAlign()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the payload size of a frame lasting d.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.BlockAlign()
}

// Frame is a fixed-duration slice of samples with a per-stream sequence
// number. Frames are treated as immutable once produced.
type Frame struct {
	Seq    uint64
	Format Format
	Data   []byte
}

// Duration returns the playback time of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(len(f.Data))
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	out := f
	if f.Data != nil {
		out.Data = append([]byte(nil), f.Data...)
	}
	return out
}

// Samples returns the frame as signed 16-bit samples, expanding mu-law if
// needed. Channels are left interleaved.
func (f Frame) Samples() []int16 {
	if f.Format.Encoding == EncodingMuLaw {
		return MuLawToSamples(f.Data)
	}
	n := len(f.Data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// Silence returns a zero-signal frame of the given size in format f.
func Silence(seq uint64, f Format, n int) Frame {
	data := make([]byte, n)
	if f.Encoding == EncodingMuLaw {
		for i := range data {
			data[i] = 0xFF
		}
	}
	return Frame{Seq: seq, Format: f, Data: data}
}
