package vad

import "github.com/harunnryd/vocalis/pkg/audio"

// EventType enumerates gate outputs.
type EventType int

const (
	EventUtteranceStarted EventType = iota
	EventFrameAppended
	EventUtteranceEnded
)

func (t EventType) String() string {
	switch t {
	case EventUtteranceStarted:
		return "utterance_started"
	case EventFrameAppended:
		return "frame_appended"
	case EventUtteranceEnded:
		return "utterance_ended"
	default:
		return "unknown"
	}
}

// Event is emitted by Gate. Frame is set for EventFrameAppended; Partial is
// set on EventUtteranceEnded when the stream ended while speech was open.
type Event struct {
	Type    EventType
	Frame   audio.Frame
	Partial bool
}

// Config controls classification and hysteresis. Frame counts assume the
// session's fixed frame duration.
type Config struct {
	Threshold     float64
	OpenFrames    int
	CloseFrames   int
	PrePadFrames  int
	PostPadFrames int
}

// DefaultConfig is tuned for 20ms frames: bursts under 200ms never open an
// utterance and pauses under 500ms never close one.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.02,
		OpenFrames:    10,
		CloseFrames:   25,
		PrePadFrames:  5,
		PostPadFrames: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.OpenFrames <= 0 {
		c.OpenFrames = d.OpenFrames
	}
	if c.CloseFrames <= 0 {
		c.CloseFrames = d.CloseFrames
	}
	if c.PrePadFrames < 0 {
		c.PrePadFrames = 0
	}
	if c.PostPadFrames < 0 {
		c.PostPadFrames = 0
	}
	if c.PostPadFrames > c.CloseFrames {
		c.PostPadFrames = c.CloseFrames
	}
	return c
}

// Gate applies hysteresis to per-frame speech classification. It is owned by
// a single session and is not safe for concurrent use.
type Gate struct {
	cfg      Config
	detector Detector
	open     bool

	// closed state: recent non-speech frames kept as pre-roll and the current
	// run of speech frames that has not reached OpenFrames yet.
	pre []audio.Frame
	run []audio.Frame

	// open state: trailing non-speech frames not yet committed.
	held []audio.Frame
}

func NewGate(cfg Config, detector Detector) *Gate {
	if detector == nil {
		detector = EnergyDetector{}
	}
	return &Gate{cfg: cfg.withDefaults(), detector: detector}
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// Open reports whether an utterance is currently open.
func (g *Gate) Open() bool { return g.open }

// IsSpeech classifies a frame against the configured threshold.
func (g *Gate) IsSpeech(frame audio.Frame) bool {
	return g.detector.Score(frame) >= g.cfg.Threshold
}

// Push classifies one frame and returns the events it produces.
func (g *Gate) Push(frame audio.Frame) []Event {
	speech := g.IsSpeech(frame)
	if !g.open {
		return g.pushClosed(frame, speech)
	}
	return g.pushOpen(frame, speech)
}

func (g *Gate) pushClosed(frame audio.Frame, speech bool) []Event {
	if !speech {
		for _, f := range g.run {
			g.remember(f)
		}
		g.run = g.run[:0]
		g.remember(frame)
		return nil
	}
	g.run = append(g.run, frame)
	if len(g.run) < g.cfg.OpenFrames {
		return nil
	}
	events := make([]Event, 0, 1+len(g.pre)+len(g.run))
	events = append(events, Event{Type: EventUtteranceStarted})
	for _, f := range g.pre {
		events = append(events, Event{Type: EventFrameAppended, Frame: f})
	}
	for _, f := range g.run {
		events = append(events, Event{Type: EventFrameAppended, Frame: f})
	}
	g.pre = g.pre[:0]
	g.run = g.run[:0]
	g.open = true
	return events
}

func (g *Gate) pushOpen(frame audio.Frame, speech bool) []Event {
	if speech {
		events := make([]Event, 0, len(g.held)+1)
		for _, f := range g.held {
			events = append(events, Event{Type: EventFrameAppended, Frame: f})
		}
		g.held = g.held[:0]
		return append(events, Event{Type: EventFrameAppended, Frame: frame})
	}
	g.held = append(g.held, frame)
	if len(g.held) < g.cfg.CloseFrames {
		return nil
	}
	return g.close(false)
}

// Flush ends the stream. An open utterance is closed with Partial set.
func (g *Gate) Flush() []Event {
	if !g.open {
		g.Reset()
		return nil
	}
	events := g.close(true)
	g.Reset()
	return events
}

// Reset drops all state without emitting events.
func (g *Gate) Reset() {
	g.open = false
	g.pre = g.pre[:0]
	g.run = g.run[:0]
	g.held = g.held[:0]
}

func (g *Gate) close(partial bool) []Event {
	pad := g.cfg.PostPadFrames
	if pad > len(g.held) {
		pad = len(g.held)
	}
	events := make([]Event, 0, pad+1)
	for _, f := range g.held[:pad] {
		events = append(events, Event{Type: EventFrameAppended, Frame: f})
	}
	events = append(events, Event{Type: EventUtteranceEnded, Partial: partial})
	rest := g.held[pad:]
	g.pre = g.pre[:0]
	for _, f := range rest {
		g.remember(f)
	}
	g.held = g.held[:0]
	g.open = false
	return events
}

func (g *Gate) remember(frame audio.Frame) {
	if g.cfg.PrePadFrames == 0 {
		return
	}
	if len(g.pre) == g.cfg.PrePadFrames {
		copy(g.pre, g.pre[1:])
		g.pre = g.pre[:len(g.pre)-1]
	}
	g.pre = append(g.pre, frame)
}
