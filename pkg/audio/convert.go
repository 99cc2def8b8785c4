package audio

import "encoding/binary"

const (
	muLawBias = 0x84
	muLawClip = 32635
)

var muLawDecodeTable = func() [256]int16 {
	var t [256]int16
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int(mantissa) << 3) + muLawBias) << exponent
		sample -= muLawBias
		if sign != 0 {
			sample = -sample
		}
		t[i] = int16(sample)
	}
	return t
}()

// MuLawToSamples expands G.711 mu-law bytes to linear samples.
func MuLawToSamples(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = muLawDecodeTable[b]
	}
	return out
}

// MuLawToPCM16 expands G.711 mu-law bytes to little-endian PCM16 bytes.
func MuLawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawDecodeTable[b]))
	}
	return out
}

// PCM16ToMuLaw compresses little-endian PCM16 bytes to G.711 mu-law.
func PCM16ToMuLaw(in []byte) []byte {
	out := make([]byte, len(in)/2)
	for i := range out {
		out[i] = encodeMuLaw(int16(binary.LittleEndian.Uint16(in[i*2:])))
	}
	return out
}

func encodeMuLaw(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias
	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | (exponent << 4) | mantissa)
}

// Resample16 converts mono little-endian PCM16 between sample rates using
// linear interpolation.
func Resample16(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	outN := int(int64(n) * int64(to) / int64(from))
	out := make([]byte, outN*2)
	for i := 0; i < outN; i++ {
		pos := float64(i) * float64(from) / float64(to)
		idx := int(pos)
		frac := pos - float64(idx)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		b := a
		if idx+1 < n {
			b = float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(a+(b-a)*frac)))
	}
	return out
}

// SamplesToPCM16 packs samples as little-endian bytes.
func SamplesToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Convert re-encodes mono audio from one format to another. Channel layout
// changes are not supported.
func Convert(data []byte, from, to Format) ([]byte, error) {
	if from == to {
		return data, nil
	}
	if from.Channels != to.Channels {
		return nil, formatErr("unsupported_conversion", "channels %d -> %d", from.Channels, to.Channels)
	}
	if from.Channels > 1 && from.SampleRate != to.SampleRate {
		return nil, formatErr("unsupported_conversion", "resampling %d channels", from.Channels)
	}
	pcm := data
	if from.Encoding == EncodingMuLaw {
		pcm = MuLawToPCM16(data)
	}
	pcm = Resample16(pcm, from.SampleRate, to.SampleRate)
	if to.Encoding == EncodingMuLaw {
		return PCM16ToMuLaw(pcm), nil
	}
	return pcm, nil
}
