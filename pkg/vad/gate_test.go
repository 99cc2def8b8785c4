package vad

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/harunnryd/vocalis/pkg/audio"
)

var testFormat = audio.PCM16Mono(16000)

func toneFrame(seq uint64, amplitude float64) audio.Frame {
	n := testFormat.FrameBytes(20*time.Millisecond) / 2
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.Frame{Seq: seq, Format: testFormat, Data: audio.SamplesToPCM16(samples)}
}

// markerDetector treats Data[0] == 1 as speech.
var markerDetector = DetectorFunc(func(f audio.Frame) float64 {
	if len(f.Data) > 0 && f.Data[0] == 1 {
		return 1
	}
	return 0
})

func markerFrame(seq uint64, speech bool) audio.Frame {
	b := byte(0)
	if speech {
		b = 1
	}
	return audio.Frame{Seq: seq, Format: testFormat, Data: []byte{b, 0}}
}

func TestGateScenarioSingleUtteranceWithPadding(t *testing.T) {
	g := NewGate(Config{Threshold: 0.05, OpenFrames: 5, CloseFrames: 25, PrePadFrames: 3, PostPadFrames: 4}, EnergyDetector{})

	var events []Event
	seq := uint64(0)
	feed := func(count int, amplitude float64) {
		for i := 0; i < count; i++ {
			events = append(events, g.Push(toneFrame(seq, amplitude))...)
			seq++
		}
	}
	feed(15, 0)    // 300ms silence
	feed(30, 9000) // 600ms speech
	feed(15, 0)    // 300ms silence
	events = append(events, g.Flush()...)

	var started, ended int
	var appended []audio.Frame
	for _, ev := range events {
		switch ev.Type {
		case EventUtteranceStarted:
			started++
		case EventUtteranceEnded:
			ended++
			if !ev.Partial {
				t.Fatalf("expected partial end at stream close")
			}
		case EventFrameAppended:
			appended = append(appended, ev.Frame)
		}
	}
	if started != 1 || ended != 1 {
		t.Fatalf("expected exactly one utterance, got started=%d ended=%d", started, ended)
	}
	if len(appended) != 3+30+4 {
		t.Fatalf("expected %d frames, got %d", 3+30+4, len(appended))
	}
	if appended[0].Seq != 12 {
		t.Fatalf("expected pre-roll to start at seq 12, got %d", appended[0].Seq)
	}
	for i := 1; i < len(appended); i++ {
		if appended[i].Seq != appended[i-1].Seq+1 {
			t.Fatalf("frames not contiguous at %d: %d after %d", i, appended[i].Seq, appended[i-1].Seq)
		}
	}
}

func TestGateShortBurstDoesNotOpen(t *testing.T) {
	g := NewGate(Config{OpenFrames: 10, CloseFrames: 25}, markerDetector)
	seq := uint64(0)
	for i := 0; i < 9; i++ {
		if ev := g.Push(markerFrame(seq, true)); len(ev) != 0 {
			t.Fatalf("unexpected events on burst frame %d: %v", i, ev)
		}
		seq++
	}
	g.Push(markerFrame(seq, false))
	if g.Open() {
		t.Fatalf("gate opened on a burst shorter than OpenFrames")
	}
	if ev := g.Flush(); len(ev) != 0 {
		t.Fatalf("flush of closed gate emitted %v", ev)
	}
}

func TestGateBriefPauseDoesNotClose(t *testing.T) {
	g := NewGate(Config{OpenFrames: 2, CloseFrames: 5, PostPadFrames: 1}, markerDetector)
	seq := uint64(0)
	push := func(speech bool) []Event {
		ev := g.Push(markerFrame(seq, speech))
		seq++
		return ev
	}
	push(true)
	push(true)
	for i := 0; i < 4; i++ {
		for _, ev := range push(false) {
			if ev.Type == EventUtteranceEnded {
				t.Fatalf("closed on a pause shorter than CloseFrames")
			}
		}
	}
	ev := push(true)
	if len(ev) != 5 {
		t.Fatalf("expected held pause frames to flush with speech, got %d events", len(ev))
	}
	if !g.Open() {
		t.Fatalf("expected gate to stay open")
	}
}

// reference recomputes open/close decisions from run lengths alone.
func reference(pattern []bool, n, m int) (opens, closes int) {
	open := false
	speechRun, silenceRun := 0, 0
	for _, s := range pattern {
		if s {
			speechRun++
			silenceRun = 0
		} else {
			silenceRun++
			speechRun = 0
		}
		if !open && speechRun >= n {
			open = true
			opens++
			speechRun = 0
		} else if open && silenceRun >= m {
			open = false
			closes++
			silenceRun = 0
		}
	}
	return opens, closes
}

func TestGateHysteresisProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + r.Intn(6)
		m := 1 + r.Intn(8)
		g := NewGate(Config{OpenFrames: n, CloseFrames: m, PrePadFrames: r.Intn(4), PostPadFrames: r.Intn(4)}, markerDetector)

		pattern := make([]bool, 50+r.Intn(150))
		speech := false
		for i := range pattern {
			if r.Float64() < 0.15 {
				speech = !speech
			}
			pattern[i] = speech
		}

		var opens, closes int
		for i, s := range pattern {
			for _, ev := range g.Push(markerFrame(uint64(i), s)) {
				switch ev.Type {
				case EventUtteranceStarted:
					opens++
				case EventUtteranceEnded:
					closes++
				}
			}
		}
		wantOpens, wantCloses := reference(pattern, n, m)
		if opens != wantOpens || closes != wantCloses {
			t.Fatalf("iter %d (n=%d m=%d): got opens=%d closes=%d, want %d/%d", iter, n, m, opens, closes, wantOpens, wantCloses)
		}
	}
}

func TestGateNeverDuplicatesFrames(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	g := NewGate(Config{OpenFrames: 3, CloseFrames: 4, PrePadFrames: 2, PostPadFrames: 2}, markerDetector)
	seen := map[uint64]bool{}
	for i := 0; i < 500; i++ {
		for _, ev := range g.Push(markerFrame(uint64(i), r.Intn(3) > 0)) {
			if ev.Type != EventFrameAppended {
				continue
			}
			if seen[ev.Frame.Seq] {
				t.Fatalf("frame %d appended twice", ev.Frame.Seq)
			}
			seen[ev.Frame.Seq] = true
		}
	}
}
