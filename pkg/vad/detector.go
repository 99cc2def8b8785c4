// Package vad classifies audio frames as speech or non-speech and groups
// sustained speech into utterance boundaries.
package vad

import (
	"math"

	"github.com/harunnryd/vocalis/pkg/audio"
)

// Detector scores a single frame. Scores are compared against
// Config.Threshold; higher means more likely speech.
type Detector interface {
	Score(frame audio.Frame) float64
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(frame audio.Frame) float64

func (f DetectorFunc) Score(frame audio.Frame) float64 { return f(frame) }

// EnergyDetector scores frames by RMS energy normalized to [0, 1].
type EnergyDetector struct{}

func (EnergyDetector) Score(frame audio.Frame) float64 {
	return RMS(frame.Samples())
}

// RMS returns the normalized root-mean-square level of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
