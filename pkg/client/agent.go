// Package client is the reference client: it captures audio from a source,
// streams it to a session server and plays back the replies it receives.
package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/transports"
	"github.com/harunnryd/vocalis/pkg/wire"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrRecording        = errors.New("client: already recording")
	ErrNotRecording     = errors.New("client: not recording")
)

// Dialer opens a connection to a session server.
type Dialer func(ctx context.Context) (transports.Conn, error)

// Player consumes reply audio in arrival order.
type Player interface {
	Play(frame audio.Frame) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(frame audio.Frame) error

func (f PlayerFunc) Play(frame audio.Frame) error { return f(frame) }

// Event is a control notice received from the server.
type Event struct {
	Kind        wire.ControlKind
	Data        string
	Reason      string
	UtteranceID string
}

type Config struct {
	Format        audio.Format
	FrameDuration time.Duration
	// Realtime paces capture at one frame per FrameDuration. Off, the source
	// is sent as fast as the connection accepts it.
	Realtime bool
	// PlayQueue bounds reply frames waiting for the player.
	PlayQueue int
}

func (c Config) withDefaults() Config {
	if c.Format.SampleRate == 0 {
		c.Format = audio.PCM16Mono(16000)
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.PlayQueue <= 0 {
		c.PlayQueue = 512
	}
	return c
}

type Option func(*Agent)

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithPlayer(p Player) Option {
	return func(a *Agent) { a.player = p }
}

// WithEventHandler receives every control notice, on the receive goroutine.
func WithEventHandler(fn func(Event)) Option {
	return func(a *Agent) { a.onEvent = fn }
}

// Agent is one client connection. All methods are safe for concurrent use.
type Agent struct {
	cfg     Config
	dial    Dialer
	player  Player
	onEvent func(Event)
	logger  *slog.Logger

	mu      sync.Mutex
	conn    transports.Conn
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	capture *capture
	seq     uint64
	closed  chan struct{}
}

type capture struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (c *capture) running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func New(cfg Config, dial Dialer, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg.withDefaults(),
		dial:   dial,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect dials the server and starts the receive and playback loops.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return ErrAlreadyConnected
	}
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	a.conn = conn
	a.cancel = cancel
	closed := make(chan struct{})
	a.closed = closed
	a.seq = 0
	playQ := make(chan audio.Frame, a.cfg.PlayQueue)

	a.loops.Add(2)
	go func() {
		defer a.loops.Done()
		defer close(closed)
		a.receiveLoop(loopCtx, conn, playQ)
	}()
	go func() {
		defer a.loops.Done()
		a.playLoop(playQ)
	}()
	a.logger.Info("client_connected", "conn_id", conn.ID())
	return nil
}

// Disconnect stops any capture, closes the connection and waits for the
// loops to finish. Reply audio already received is still played.
func (a *Agent) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	rec := a.capture
	a.capture = nil
	a.mu.Unlock()

	if rec != nil {
		rec.cancel()
		<-rec.done
	}
	err := conn.Close()
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.loops.Wait()

	a.mu.Lock()
	a.conn = nil
	a.cancel = nil
	a.mu.Unlock()
	a.logger.Info("client_disconnected", "conn_id", conn.ID())
	return err
}

// Connected reports whether a connection is open.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Done is closed when the current connection ends for any reason.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// StartRecording streams src to the server in frame-sized chunks until src
// is exhausted or StopRecording is called. src must yield audio in the
// configured format.
func (a *Agent) StartRecording(src io.Reader) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ErrNotConnected
	}
	if a.capture != nil && a.capture.running() {
		return ErrRecording
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &capture{cancel: cancel, done: make(chan struct{})}
	a.capture = rec
	conn := a.conn
	go func() {
		defer close(rec.done)
		rec.err = a.captureLoop(ctx, conn, src)
	}()
	a.logger.Info("client_recording_started")
	return nil
}

// StopRecording ends capture and tells the server the utterance is over.
// It returns the capture loop's error, if any.
func (a *Agent) StopRecording() error {
	a.mu.Lock()
	rec := a.capture
	conn := a.conn
	a.capture = nil
	a.mu.Unlock()
	if rec == nil {
		return ErrNotRecording
	}
	rec.cancel()
	<-rec.done
	err := rec.err
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if sendErr := conn.Send(ctx, wire.Control(wire.KindAudioEnd, "")); sendErr != nil && err == nil {
			err = sendErr
		}
	}
	a.logger.Info("client_recording_stopped")
	return err
}

// Recording reports whether capture is running.
func (a *Agent) Recording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capture != nil && a.capture.running()
}

func (a *Agent) nextSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

func (a *Agent) captureLoop(ctx context.Context, conn transports.Conn, src io.Reader) error {
	size := a.cfg.Format.FrameBytes(a.cfg.FrameDuration)
	var tick <-chan time.Time
	if a.cfg.Realtime {
		ticker := time.NewTicker(a.cfg.FrameDuration)
		defer ticker.Stop()
		tick = ticker.C
	}
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(src, buf)
		data := buf[:n-n%a.cfg.Format.BlockAlign()]
		if len(data) > 0 {
			frame := audio.Frame{Seq: a.nextSeq(), Format: a.cfg.Format, Data: append([]byte(nil), data...)}
			if sendErr := conn.Send(ctx, wire.Audio(frame)); sendErr != nil {
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			a.logger.Debug("client_capture_source_exhausted")
			return nil
		}
		if err != nil {
			return err
		}
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (a *Agent) receiveLoop(ctx context.Context, conn transports.Conn, playQ chan<- audio.Frame) {
	defer close(playQ)
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				a.logger.Warn("client_receive_failed", "error", err)
			}
			return
		}
		switch msg.Type {
		case wire.TypeAudio:
			frame, err := msg.Frame()
			if err != nil {
				a.logger.Warn("client_audio_rejected", "error", err)
				continue
			}
			select {
			case playQ <- frame:
			case <-ctx.Done():
				return
			}
		case wire.TypeControl:
			a.handleControl(msg)
		}
	}
}

func (a *Agent) handleControl(msg wire.Message) {
	switch msg.Kind {
	case wire.KindUtteranceTranscript:
		a.logger.Info("client_transcript", "utterance_id", msg.UtteranceID, "text", msg.Data)
	case wire.KindReplyText:
		a.logger.Info("client_reply", "utterance_id", msg.UtteranceID, "text", msg.Data)
	case wire.KindErrorNotice:
		a.logger.Warn("client_error_notice", "reason", msg.Reason, "detail", msg.Data, "utterance_id", msg.UtteranceID)
	case wire.KindUtteranceDropped:
		a.logger.Warn("client_utterance_dropped", "utterance_id", msg.UtteranceID)
	case wire.KindSessionClosed:
		a.logger.Info("client_session_closed", "detail", msg.Data)
	}
	if a.onEvent != nil {
		a.onEvent(Event{Kind: msg.Kind, Data: msg.Data, Reason: msg.Reason, UtteranceID: msg.UtteranceID})
	}
}

func (a *Agent) playLoop(playQ <-chan audio.Frame) {
	for frame := range playQ {
		if a.player == nil {
			continue
		}
		if err := a.player.Play(frame); err != nil {
			a.logger.Warn("client_playback_failed", "error", err)
		}
	}
}
