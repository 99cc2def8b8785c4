package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/vocalis/pkg/adapters/stt"
	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/llm"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/redact"
	"github.com/harunnryd/vocalis/pkg/resilience"
	"github.com/harunnryd/vocalis/pkg/utterance"
	"github.com/harunnryd/vocalis/pkg/wire"
)

// Outbound delivers messages to the session's client.
type Outbound interface {
	Send(ctx context.Context, msg wire.Message) error
}

// SessionFatalError wraps an outbound write failure. It ends the session.
type SessionFatalError struct {
	Err error
}

func (e *SessionFatalError) Error() string { return "session fatal: " + e.Err.Error() }

func (e *SessionFatalError) Unwrap() error { return e.Err }

// Services groups the external collaborators of a pipeline.
type Services struct {
	STT stt.Transcriber
	LLM llm.Replier
	TTS tts.Synthesizer
}

// Timeouts bound each external call. Zero disables the bound.
type Timeouts struct {
	Transcribe time.Duration
	Generate   time.Duration
	// FirstAudio bounds the wait from synthesis start to the first chunk.
	FirstAudio time.Duration
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	SessionID     string
	Format        audio.Format
	FrameDuration time.Duration
	// MinPartial is the shortest partial utterance that is still processed.
	MinPartial    time.Duration
	ContextWindow int
	Language      string
	Voice         tts.VoiceConfig
	Retry         resilience.RetryPolicy
	Timeouts      Timeouts
	Observer      metrics.Observer
	Logger        *slog.Logger
	// OnResult, if set, is called after each utterance from the coordinator
	// goroutine.
	OnResult func(Result)
}

// Result summarizes the processing of one utterance.
type Result struct {
	UtteranceID string
	Transcript  string
	Reply       string
	Audio       ReplyAudio
	Frames      int
	Discarded   bool
	Err         error
}

// ReplyAudio describes the synthesized reply as it was sent to the client.
// Source is what the synthesizer produced; Format is the session format the
// frames were encoded in.
type ReplyAudio struct {
	Provider string
	Source   audio.Format
	Format   audio.Format
	Bytes    int
	Duration time.Duration
}

// Coordinator runs utterances through transcribe, generate, synthesize and
// stream, one at a time in queue order.
type Coordinator struct {
	opts     CoordinatorOptions
	services Services
	out      Outbound
	queue    *IntakeQueue
	sm       *stateMachine
	conv     *Conversation
	logger   *slog.Logger
	obs      metrics.Observer
	seq      *atomic.Uint64
}

func NewCoordinator(opts CoordinatorOptions, services Services, queue *IntakeQueue, out Outbound) *Coordinator {
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}
	if opts.Format.SampleRate == 0 {
		opts.Format = audio.PCM16Mono(16000)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	c := &Coordinator{
		opts:     opts,
		services: services,
		out:      out,
		queue:    queue,
		sm:       newStateMachine(),
		conv:     NewConversation(opts.ContextWindow),
		logger:   logger,
		obs:      obs,
		seq:      new(atomic.Uint64),
	}
	c.sm.AddListener(StateListenerFunc(func(ev StateChange) {
		c.logger.Debug("coordinator_state_change",
			"from", ev.FromState.String(),
			"to", ev.ToState.String(),
			"utterance_id", ev.UtteranceID,
			"reason", ev.Reason,
		)
	}))
	return c
}

// State returns the current pipeline state.
func (c *Coordinator) State() State { return c.sm.State() }

// AddListener registers a state change listener.
func (c *Coordinator) AddListener(l StateListener) { c.sm.AddListener(l) }

// Conversation exposes the session's bounded history.
func (c *Coordinator) Conversation() *Conversation { return c.conv }

// NextSeq allocates an outbound audio sequence number.
func (c *Coordinator) NextSeq() uint64 { return c.seq.Add(1) - 1 }

// Run processes utterances until ctx is done, the queue is closed and
// drained, or an outbound write fails. Only the last case returns an error.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.close("stopped")
	for {
		u, err := c.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		res, err := c.Process(ctx, u)
		if c.opts.OnResult != nil && err == nil {
			c.opts.OnResult(res)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Coordinator) close(reason string) {
	if c.sm.State() != StateClosed {
		_ = c.sm.Transition(StateClosed, "", reason)
	}
}

// Process runs one utterance through the pipeline. Service failures are
// reported to the client and returned in Result.Err with a nil error; a
// non-nil error means the session cannot continue (cancellation or a
// *SessionFatalError).
func (c *Coordinator) Process(ctx context.Context, u *utterance.Utterance) (Result, error) {
	res := Result{UtteranceID: u.ID}
	log := c.logger.With("session_id", c.opts.SessionID, "utterance_id", u.ID)
	tags := map[string]string{"session_id": c.opts.SessionID, "utterance_id": u.ID}

	if u.Partial && u.Duration() < c.opts.MinPartial {
		log.Info("utterance_discarded",
			"reason", "partial_too_short",
			"duration_ms", u.Duration().Milliseconds(),
			"min_ms", c.opts.MinPartial.Milliseconds(),
		)
		metrics.Record(c.obs, metrics.EventUtteranceDiscarded, 1, tags)
		res.Discarded = true
		return res, nil
	}

	ctx, span := metrics.StartSpan(ctx, "session.utterance", trace.WithAttributes(
		attribute.String("session.id", c.opts.SessionID),
		attribute.String("utterance.id", u.ID),
		attribute.Int("utterance.frames", len(u.Frames)),
		attribute.Bool("utterance.partial", u.Partial),
	))
	defer span.End()
	started := time.Now()

	err := c.pipeline(ctx, u, &res, log)
	switch {
	case err == nil:
		res.Reply = strings.TrimSpace(res.Reply)
		log.Info("utterance_done",
			"frames_out", res.Frames,
			"elapsed_ms", time.Since(started).Milliseconds(),
		)
		metrics.RecordFields(c.obs, metrics.EventUtteranceDone, 1,
			map[string]string{"outcome": "ok", "utterance_id": u.ID},
			map[string]any{
				"transcript": redact.Text(res.Transcript),
				"reply":      redact.Text(res.Reply),
				"frames_out": res.Frames,
				"audio_ms":   res.Audio.Duration.Milliseconds(),
				"tts_source": res.Audio.Source.String(),
			},
		)
		return res, nil
	case ctx.Err() != nil:
		span.SetStatus(codes.Error, "cancelled")
		c.close("cancelled")
		return res, ctx.Err()
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var fatal *SessionFatalError
	if errors.As(err, &fatal) {
		log.Error("session_outbound_failed", "error", err)
		c.close("outbound_failed")
		return res, err
	}

	res.Err = err
	reason := errorsx.Reason(err)
	log.Warn("utterance_failed", "reason", reason, "state", c.sm.State().String(), "error", err)
	metrics.RecordFields(c.obs, metrics.EventUtteranceDone, 1,
		map[string]string{"outcome": "error", "utterance_id": u.ID},
		map[string]any{"reason": string(reason)},
	)
	if terr := c.sm.Transition(StateError, u.ID, string(reason)); terr != nil {
		log.Error("coordinator_transition_failed", "error", terr)
	}
	if serr := c.send(ctx, wire.ErrorNotice(string(reason), err.Error()), u.ID); serr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		c.close("outbound_failed")
		return res, serr
	}
	_ = c.sm.Transition(StateIdle, u.ID, "recovered")
	return res, nil
}

func (c *Coordinator) pipeline(ctx context.Context, u *utterance.Utterance, res *Result, log *slog.Logger) error {
	if err := c.sm.Transition(StateTranscribing, u.ID, "utterance_dequeued"); err != nil {
		return err
	}
	transcript, err := c.transcribe(ctx, u)
	if err != nil {
		return err
	}
	res.Transcript = transcript
	log.Info("utterance_transcribed", "transcript", redact.Text(transcript))
	if err := c.send(ctx, wire.Control(wire.KindUtteranceTranscript, transcript), u.ID); err != nil {
		return err
	}

	if err := c.sm.Transition(StateGenerating, u.ID, "transcript_ready"); err != nil {
		return err
	}
	reply, err := c.generate(ctx, transcript)
	if err != nil {
		return err
	}
	res.Reply = reply
	c.conv.Append(transcript, reply)
	log.Info("reply_generated", "reply", redact.Text(reply))
	if err := c.send(ctx, wire.Control(wire.KindReplyText, reply), u.ID); err != nil {
		return err
	}

	if err := c.sm.Transition(StateSynthesizing, u.ID, "reply_ready"); err != nil {
		return err
	}
	n, err := c.synthesizeAndStream(ctx, u.ID, reply, &res.Audio)
	res.Frames = n
	if err != nil {
		return err
	}
	return c.sm.Transition(StateIdle, u.ID, "stream_complete")
}

func (c *Coordinator) transcribe(ctx context.Context, u *utterance.Utterance) (string, error) {
	req := stt.Request{Audio: u.PCM(), Format: u.Format(), LanguageHint: c.opts.Language}
	var text string
	err := c.stage(ctx, metrics.StageTranscribe, c.opts.Timeouts.Transcribe, func(ctx context.Context) error {
		var err error
		text, err = c.services.STT.Transcribe(ctx, req)
		return err
	})
	if err != nil {
		return "", c.serviceError(ctx, "stt", errorsx.ReasonSTTTranscribe, errorsx.ReasonSTTTimeout, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errorsx.NewServiceError("stt", errorsx.ReasonSTTEmpty, nil)
	}
	return text, nil
}

func (c *Coordinator) generate(ctx context.Context, transcript string) (string, error) {
	history := c.conv.Window()
	var reply string
	err := c.stage(ctx, metrics.StageGenerate, c.opts.Timeouts.Generate, func(ctx context.Context) error {
		var err error
		reply, err = c.services.LLM.GenerateReply(ctx, transcript, history)
		return err
	})
	if err != nil {
		return "", c.serviceError(ctx, "llm", errorsx.ReasonLLMGenerate, errorsx.ReasonLLMTimeout, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errorsx.NewServiceError("llm", errorsx.ReasonLLMEmpty, nil)
	}
	return reply, nil
}

// synthesizeAndStream opens the synthesis stream and relays it as frames.
// The synthesis context lives until streaming ends; FirstAudio only bounds
// the wait for the first chunk.
func (c *Coordinator) synthesizeAndStream(ctx context.Context, utteranceID, reply string, info *ReplyAudio) (int, error) {
	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var firstAudioExpired atomic.Bool
	var watchdog *time.Timer
	if d := c.opts.Timeouts.FirstAudio; d > 0 {
		watchdog = time.AfterFunc(d, func() {
			firstAudioExpired.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}
	classify := func(reason errorsx.ReasonCode, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if firstAudioExpired.Load() || errors.Is(err, context.DeadlineExceeded) {
			return &errorsx.ServiceError{Service: "tts", Reason: errorsx.ReasonTTSTimeout, Err: err}
		}
		return errorsx.NewServiceError("tts", reason, err)
	}

	started := time.Now()
	var stream *tts.AudioStream
	err := c.stage(synthCtx, metrics.StageSynthesize, 0, func(ctx context.Context) error {
		var err error
		stream, err = c.services.TTS.Synthesize(ctx, reply, c.opts.Voice)
		return err
	})
	if err != nil {
		return 0, classify(errorsx.ReasonTTSSynthesize, err)
	}
	defer stream.Body.Close()

	if err := c.sm.Transition(StateStreaming, utteranceID, "synthesis_started"); err != nil {
		return 0, err
	}
	_, span := metrics.StartSpan(ctx, "session.stream")
	defer span.End()

	src := stream.Format
	if src.SampleRate == 0 {
		src = c.opts.Format
	}
	*info = ReplyAudio{Provider: c.services.TTS.Name(), Source: src, Format: c.opts.Format}
	chunk := make([]byte, src.FrameBytes(c.opts.FrameDuration))
	if len(chunk) == 0 {
		return 0, errorsx.NewServiceError("tts", errorsx.ReasonTTSStream, fmt.Errorf("unusable stream format %s", src))
	}
	align := src.BlockAlign()
	sent := 0
	for {
		n, rerr := io.ReadFull(stream.Body, chunk)
		if sent == 0 && n > 0 {
			if watchdog != nil {
				watchdog.Stop()
			}
			metrics.Record(c.obs, metrics.EventTTSFirstAudio, time.Since(started).Seconds(), map[string]string{"provider": c.services.TTS.Name()})
		}
		n -= n % align
		if n > 0 {
			written, err := c.emitAudio(ctx, chunk[:n], src)
			if err != nil {
				return sent, err
			}
			info.Bytes += written
			info.Duration = c.opts.Format.Duration(info.Bytes)
			sent++
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		return sent, classify(errorsx.ReasonTTSStream, rerr)
	}
	metrics.Record(c.obs, metrics.EventStageDuration, time.Since(started).Seconds(), map[string]string{"stage": metrics.StageStream, "status": "ok"})
	metrics.Record(c.obs, metrics.EventAudioFramesOut, float64(sent), map[string]string{"session_id": c.opts.SessionID})
	span.SetAttributes(attribute.Int("stream.frames", sent))
	return sent, nil
}

// emitAudio sends one frame and returns its payload size in session format.
func (c *Coordinator) emitAudio(ctx context.Context, data []byte, src audio.Format) (int, error) {
	// Nothing is sent once the session is cancelled.
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	payload, err := audio.Convert(data, src, c.opts.Format)
	if err != nil {
		return 0, errorsx.NewServiceError("tts", errorsx.ReasonTTSStream, err)
	}
	frame := audio.Frame{Seq: c.NextSeq(), Format: c.opts.Format, Data: append([]byte(nil), payload...)}
	if err := c.out.Send(ctx, wire.Audio(frame)); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &SessionFatalError{Err: errorsx.Wrap(err, errorsx.ReasonTransportSend)}
	}
	return len(payload), nil
}

func (c *Coordinator) send(ctx context.Context, msg wire.Message, utteranceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.UtteranceID = utteranceID
	if err := c.out.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &SessionFatalError{Err: errorsx.Wrap(err, errorsx.ReasonTransportSend)}
	}
	return nil
}

// stage runs fn under the retry policy with a per-attempt timeout and records
// duration metrics and a span.
func (c *Coordinator) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := metrics.StartSpan(ctx, "session."+name)
	defer span.End()
	started := time.Now()

	policy := c.opts.Retry
	policy.Retryable = func(err error) bool {
		return ctx.Err() == nil && !errors.Is(err, resilience.ErrCircuitOpen)
	}
	attempts := 0
	err := policy.DoContext(ctx, func(ctx context.Context) error {
		attempts++
		if timeout <= 0 {
			return fn(ctx)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(attemptCtx)
	})

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	metrics.Record(c.obs, metrics.EventStageDuration, time.Since(started).Seconds(), map[string]string{"stage": name, "status": status})
	if err != nil && ctx.Err() == nil {
		metrics.Record(c.obs, metrics.EventStageError, 1, map[string]string{"stage": name, "reason": string(errorsx.Reason(err))})
	}
	return err
}

// serviceError classifies a failed call. Cancellation of the session context
// passes through unchanged.
func (c *Coordinator) serviceError(ctx context.Context, service string, reason, timeoutReason errorsx.ReasonCode, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorsx.NewServiceError(service, timeoutReason, err)
	}
	return errorsx.NewServiceError(service, reason, err)
}
