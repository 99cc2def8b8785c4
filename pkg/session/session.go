// Package session runs one client conversation: inbound audio is gated into
// utterances on the reader goroutine while a Coordinator turns queued
// utterances into replies on its own goroutine.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/resilience"
	"github.com/harunnryd/vocalis/pkg/utterance"
	"github.com/harunnryd/vocalis/pkg/vad"
	"github.com/harunnryd/vocalis/pkg/wire"
)

// ErrInboundClosed is returned by Inbound.Recv implementations when the peer
// went away normally. io.EOF is treated the same way.
var ErrInboundClosed = errors.New("inbound stream closed")

// Inbound yields client messages in arrival order.
type Inbound interface {
	Recv(ctx context.Context) (wire.Message, error)
}

// Config holds per-session settings.
type Config struct {
	Format        audio.Format
	FrameDuration time.Duration
	VAD           vad.Config
	// MinPartial is the shortest partial utterance still sent to transcription.
	MinPartial    time.Duration
	QueueDepth    int
	ContextWindow int
	Language      string
	Voice         tts.VoiceConfig
	Retry         resilience.RetryPolicy
	Timeouts      Timeouts
	// CloseTimeout bounds the best-effort session_closed notice.
	CloseTimeout time.Duration
}

// DefaultConfig returns settings for 16kHz PCM16 in 20ms frames.
func DefaultConfig() Config {
	return Config{
		Format:        audio.PCM16Mono(16000),
		FrameDuration: 20 * time.Millisecond,
		VAD:           vad.DefaultConfig(),
		MinPartial:    300 * time.Millisecond,
		QueueDepth:    DefaultQueueDepth,
		ContextWindow: DefaultContextWindow,
		Retry:         resilience.NewRetryPolicy(1, 200*time.Millisecond),
		Timeouts: Timeouts{
			Transcribe: 15 * time.Second,
			Generate:   20 * time.Second,
			FirstAudio: 10 * time.Second,
		},
		CloseTimeout: time.Second,
	}
}

// Option customizes a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(s *Session) {
		if obs != nil {
			s.obs = obs
		}
	}
}

func WithDetector(d vad.Detector) Option {
	return func(s *Session) { s.detector = d }
}

func WithResultHandler(fn func(Result)) Option {
	return func(s *Session) { s.onResult = fn }
}

// Session owns all per-connection pipeline state. Nothing in it is shared
// with other sessions.
type Session struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	obs      metrics.Observer
	detector vad.Detector
	onResult func(Result)
	out      Outbound
	created  time.Time

	gate   *vad.Gate
	buffer *utterance.Buffer
	queue  *IntakeQueue
	coord  *Coordinator

	framesIn atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
}

// New builds a session. out must be safe for concurrent use: the reader and
// the coordinator both send through it.
func New(id string, cfg Config, services Services, out Outbound, opts ...Option) *Session {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.PCM16Mono(16000)
	}
	s := &Session{
		id:      id,
		cfg:     cfg,
		logger:  slog.Default(),
		obs:     metrics.NoopObserver{},
		out:     out,
		created: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)

	s.queue = NewIntakeQueue(cfg.QueueDepth)
	s.queue.OnDrop = s.onDrop
	s.gate = vad.NewGate(cfg.VAD, s.detector)
	s.buffer = utterance.NewBuffer(utterance.IntakeFunc(s.enqueue), s.logger)
	s.coord = NewCoordinator(CoordinatorOptions{
		SessionID:     id,
		Format:        cfg.Format,
		FrameDuration: cfg.FrameDuration,
		MinPartial:    cfg.MinPartial,
		ContextWindow: cfg.ContextWindow,
		Language:      cfg.Language,
		Voice:         cfg.Voice,
		Retry:         cfg.Retry,
		Timeouts:      cfg.Timeouts,
		Observer:      s.obs,
		Logger:        s.logger,
		OnResult:      s.onResult,
	}, services, s.queue, out)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Created() time.Time { return s.created }

func (s *Session) Coordinator() *Coordinator { return s.coord }

func (s *Session) Queue() *IntakeQueue { return s.queue }

// Stats is a point-in-time view of session counters.
type Stats struct {
	FramesIn       int64
	FramesRejected int64
	Dropped        int64
	Queued         int
	State          State
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:       s.framesIn.Load(),
		FramesRejected: s.rejected.Load(),
		Dropped:        s.dropped.Load(),
		Queued:         s.queue.Len(),
		State:          s.coord.State(),
	}
}

// Run reads from in and drives the pipeline until the inbound stream ends,
// ctx is cancelled, or an outbound write fails. Ending the inbound stream
// cancels in-flight service calls and discards queued utterances.
func (s *Session) Run(ctx context.Context, in Inbound) error {
	s.logger.Info("session_started", "format", s.cfg.Format.String())
	metrics.Record(s.obs, metrics.EventSessionStarted, 1, nil)
	defer metrics.Record(s.obs, metrics.EventSessionEnded, 1, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.coord.Run(gctx)
	})
	g.Go(func() error {
		return s.readLoop(gctx, in)
	})
	err := g.Wait()

	s.queue.Close()
	if n := s.queue.Discard(); n > 0 {
		s.logger.Info("session_queue_discarded", "count", n)
	}
	if errors.Is(err, ErrInboundClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	s.sendClosed(err)
	st := s.Stats()
	s.logger.Info("session_ended",
		"frames_in", st.FramesIn,
		"frames_rejected", st.FramesRejected,
		"dropped", st.Dropped,
		"elapsed_ms", time.Since(s.created).Milliseconds(),
		"error", err,
	)
	return err
}

func (s *Session) readLoop(ctx context.Context, in Inbound) error {
	for {
		msg, err := in.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrInboundClosed) {
				s.EndOfAudio()
				return ErrInboundClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errorsx.Wrap(err, errorsx.ReasonTransportRecv)
		}
		if err := s.HandleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

// HandleMessage applies one inbound message. Malformed audio rejects only
// that chunk; the returned error is non-nil only if the client could not be
// notified.
func (s *Session) HandleMessage(ctx context.Context, msg wire.Message) error {
	switch msg.Type {
	case wire.TypeAudio:
		frame, err := msg.Frame()
		if err == nil {
			err = s.Ingest(frame)
		}
		if err != nil {
			return s.reject(ctx, err)
		}
	case wire.TypeControl:
		if msg.Kind == wire.KindAudioEnd {
			s.EndOfAudio()
		}
	}
	return nil
}

// Ingest runs one decoded frame through the gate and the buffer. Frames in a
// different format are converted to the session format.
func (s *Session) Ingest(frame audio.Frame) error {
	if frame.Format != s.cfg.Format {
		data, err := audio.Convert(frame.Data, frame.Format, s.cfg.Format)
		if err != nil {
			return err
		}
		frame = audio.Frame{Seq: frame.Seq, Format: s.cfg.Format, Data: data}
	}
	s.framesIn.Add(1)
	s.apply(s.gate.Push(frame))
	return nil
}

// EndOfAudio closes any open utterance as partial.
func (s *Session) EndOfAudio() {
	s.apply(s.gate.Flush())
}

func (s *Session) apply(events []vad.Event) {
	for _, ev := range events {
		err := s.buffer.Handle(ev)
		var gap *utterance.SequenceGapError
		if errors.As(err, &gap) {
			metrics.Record(s.obs, metrics.EventSequenceGap, float64(gap.Missing()), nil)
		} else if err != nil {
			s.logger.Warn("utterance_buffer_error", "error", err)
		}
	}
}

func (s *Session) enqueue(u *utterance.Utterance) {
	s.logger.Debug("utterance_queued",
		"utterance_id", u.ID,
		"frames", len(u.Frames),
		"partial", u.Partial,
		"duration_ms", u.Duration().Milliseconds(),
	)
	metrics.Record(s.obs, metrics.EventUtteranceQueued, 1, nil)
	s.queue.Push(u)
}

func (s *Session) onDrop(u *utterance.Utterance) {
	s.dropped.Add(1)
	s.logger.Warn("utterance_dropped", "utterance_id", u.ID, "queue_depth", s.queue.Depth())
	metrics.Record(s.obs, metrics.EventUtteranceDropped, 1, nil)
	msg := wire.Control(wire.KindUtteranceDropped, string(errorsx.ReasonIntakeDropped))
	msg.UtteranceID = u.ID
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout())
	defer cancel()
	if err := s.out.Send(ctx, msg); err != nil {
		s.logger.Debug("utterance_dropped_notice_failed", "error", err)
	}
}

func (s *Session) reject(ctx context.Context, err error) error {
	s.rejected.Add(1)
	metrics.Record(s.obs, metrics.EventFrameRejected, 1, nil)
	reason := string(errorsx.ReasonAudioFormat)
	var fe *audio.FormatError
	if errors.As(err, &fe) {
		s.logger.Debug("audio_chunk_rejected", "reason", fe.Reason, "detail", fe.Detail)
	} else {
		s.logger.Debug("audio_chunk_rejected", "error", err)
	}
	if sendErr := s.out.Send(ctx, wire.ErrorNotice(reason, err.Error())); sendErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &SessionFatalError{Err: errorsx.Wrap(sendErr, errorsx.ReasonTransportSend)}
	}
	return nil
}

func (s *Session) sendClosed(cause error) {
	data := "normal"
	if cause != nil {
		data = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout())
	defer cancel()
	if err := s.out.Send(ctx, wire.Control(wire.KindSessionClosed, data)); err != nil {
		s.logger.Debug("session_closed_notice_failed", "error", err)
	}
}

func (s *Session) closeTimeout() time.Duration {
	if s.cfg.CloseTimeout > 0 {
		return s.cfg.CloseTimeout
	}
	return time.Second
}
