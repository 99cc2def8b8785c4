package audio

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := Codec{}
	cases := []Frame{
		{Seq: 0, Format: PCM16Mono(16000), Data: []byte{1, 0, 2, 0, 3, 0, 4, 0}},
		{Seq: 42, Format: Format{SampleRate: 8000, Channels: 1, Encoding: EncodingMuLaw}, Data: []byte{0xFF, 0x7F, 0x00}},
		{Seq: 1 << 40, Format: Format{SampleRate: 48000, Channels: 2, Encoding: EncodingPCM16}, Data: make([]byte, 3840)},
		{Seq: 7, Format: PCM16Mono(16000)},
	}
	for _, want := range cases {
		got, err := codec.Decode(codec.Encode(want))
		if err != nil {
			t.Fatalf("decode seq %d: %v", want.Seq, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := Codec{}
	valid := codec.Encode(Frame{Seq: 1, Format: PCM16Mono(16000), Data: []byte{1, 2, 3, 4}})

	mutate := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return fn(b)
	}

	cases := []struct {
		name   string
		input  []byte
		reason string
	}{
		{"short", valid[:10], "truncated_header"},
		{"magic", mutate(func(b []byte) []byte { b[0] = 'Z'; return b }), "bad_magic"},
		{"version", mutate(func(b []byte) []byte { b[2] = 9; return b }), "unsupported_version"},
		{"encoding", mutate(func(b []byte) []byte { b[3] = 77; return b }), "unsupported_encoding"},
		{"rate", mutate(func(b []byte) []byte { binary.BigEndian.PutUint32(b[4:8], 0); return b }), "invalid_sample_rate"},
		{"channels", mutate(func(b []byte) []byte { b[8] = 0; return b }), "invalid_channels"},
		{"declared_longer", mutate(func(b []byte) []byte { binary.BigEndian.PutUint32(b[18:22], 6); return b }), "length_mismatch"},
		{"truncated_payload", valid[:len(valid)-1], "length_mismatch"},
		{"odd_pcm", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[18:22], 5)
			return append(b, 9)
		}), "partial_sample"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(tc.input)
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FormatError, got %v", err)
			}
			if fe.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, fe.Reason)
			}
		})
	}
}

func TestFormatDurations(t *testing.T) {
	f := PCM16Mono(16000)
	if got := f.FrameBytes(20 * time.Millisecond); got != 640 {
		t.Fatalf("expected 640 bytes per 20ms frame, got %d", got)
	}
	if got := f.Duration(640); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %s", got)
	}
	mu := Format{SampleRate: 8000, Channels: 1, Encoding: EncodingMuLaw}
	if got := mu.FrameBytes(20 * time.Millisecond); got != 160 {
		t.Fatalf("expected 160 mulaw bytes, got %d", got)
	}
}

func TestMuLawRoundTripApproximates(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 12000, -12000, 32000}
	mu := PCM16ToMuLaw(SamplesToPCM16(samples))
	back := MuLawToSamples(mu)
	for i, s := range samples {
		diff := int(back[i]) - int(s)
		if diff < 0 {
			diff = -diff
		}
		limit := int(s)/16 + 16
		if limit < 0 {
			limit = -limit
		}
		if diff > limit+16 {
			t.Fatalf("sample %d: %d decoded as %d", i, s, back[i])
		}
	}
}

func TestResample16Length(t *testing.T) {
	pcm := make([]byte, 160*2)
	out := Resample16(pcm, 8000, 16000)
	if len(out) != 320*2 {
		t.Fatalf("expected %d bytes, got %d", 320*2, len(out))
	}
}

func TestConvertMuLawToPCM16Upsample(t *testing.T) {
	from := Format{SampleRate: 8000, Channels: 1, Encoding: EncodingMuLaw}
	to := PCM16Mono(16000)
	in := make([]byte, from.FrameBytes(20*time.Millisecond))
	out, err := Convert(in, from, to)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != to.FrameBytes(20*time.Millisecond) {
		t.Fatalf("expected %d bytes, got %d", to.FrameBytes(20*time.Millisecond), len(out))
	}
	if _, err := Convert(in, from, Format{SampleRate: 8000, Channels: 2, Encoding: EncodingPCM16}); err == nil {
		t.Fatalf("expected channel conversion error")
	}
}
