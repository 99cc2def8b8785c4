package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	codecVersion = 1
	// HeaderSize is the fixed length of the frame header on the wire.
	HeaderSize = 22
	// MaxPayload bounds a single frame payload (about 5s of 48kHz stereo PCM16).
	MaxPayload = 1 << 20
)

var codecMagic = [2]byte{'V', 'X'}

// FormatError reports malformed audio bytes. It rejects a single chunk and is
// never fatal to a session.
type FormatError struct {
	Reason string
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return "audio format: " + e.Reason
	}
	return "audio format: " + e.Reason + ": " + e.Detail
}

func formatErr(reason, detail string, args ...any) *FormatError {
	return &FormatError{Reason: reason, Detail: fmt.Sprintf(detail, args...)}
}

// Codec converts frames to and from their binary wire representation.
//
// Layout (big endian):
//
//	magic "VX" | version u8 | encoding u8 | sample rate u32 | channels u8 |
//	reserved u8 | sequence u64 | payload length u32 | payload
type Codec struct{}

// Encode serializes a frame. It never fails for a well-formed frame.
func (Codec) Encode(f Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Data))
	out[0], out[1] = codecMagic[0], codecMagic[1]
	out[2] = codecVersion
	out[3] = byte(f.Format.Encoding)
	binary.BigEndian.PutUint32(out[4:8], uint32(f.Format.SampleRate))
	out[8] = byte(f.Format.Channels)
	binary.BigEndian.PutUint64(out[10:18], f.Seq)
	binary.BigEndian.PutUint32(out[18:22], uint32(len(f.Data)))
	copy(out[HeaderSize:], f.Data)
	return out
}

// Decode parses wire bytes into a frame, returning *FormatError when the
// header is malformed, the encoding is unsupported, or the declared payload
// length does not match the bytes received.
func (Codec) Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, formatErr("truncated_header", "got %d bytes, need %d", len(b), HeaderSize)
	}
	if b[0] != codecMagic[0] || b[1] != codecMagic[1] {
		return Frame{}, formatErr("bad_magic", "%q", b[0:2])
	}
	if b[2] != codecVersion {
		return Frame{}, formatErr("unsupported_version", "%d", b[2])
	}
	enc := Encoding(b[3])
	if !enc.Valid() {
		return Frame{}, formatErr("unsupported_encoding", "%d", b[3])
	}
	rate := binary.BigEndian.Uint32(b[4:8])
	if rate == 0 || rate > 192000 {
		return Frame{}, formatErr("invalid_sample_rate", "%d", rate)
	}
	channels := int(b[8])
	if channels == 0 {
		return Frame{}, formatErr("invalid_channels", "0")
	}
	seq := binary.BigEndian.Uint64(b[10:18])
	declared := binary.BigEndian.Uint32(b[18:22])
	if declared > MaxPayload {
		return Frame{}, formatErr("payload_too_large", "%d", declared)
	}
	actual := len(b) - HeaderSize
	if int(declared) != actual {
		return Frame{}, formatErr("length_mismatch", "declared %d, actual %d", declared, actual)
	}
	format := Format{SampleRate: int(rate), Channels: channels, Encoding: enc}
	if actual%format.BlockAlign() != 0 {
		return Frame{}, formatErr("partial_sample", "%d bytes is not a multiple of %d", actual, format.BlockAlign())
	}
	var data []byte
	if actual > 0 {
		data = append([]byte(nil), b[HeaderSize:]...)
	}
	return Frame{Seq: seq, Format: format, Data: data}, nil
}
