package deepgram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/vocalis/pkg/adapters/stt"
	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var errConnect = errors.New("deepgram connection failed")

type Config struct {
	APIKey         string
	Model          string
	Language       string
	UtteranceEndMS int
	// SettleTimeout bounds the wait for trailing finals once all audio was
	// sent.
	SettleTimeout time.Duration
	// ChunkBytes sizes the writes to the socket.
	ChunkBytes int
	Logger     *slog.Logger
}

// liveClient is the subset of the SDK websocket client a transcription uses.
type liveClient interface {
	Connect() bool
	Stream(r io.Reader) error
	Finalize() error
	Stop()
}

type connectFunc func(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveClient, error)

func sdkConnect(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveClient, error) {
	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	return client.NewWSUsingCallback(ctx, apiKey, clientOptions, opts, cb)
}

// Transcriber opens one live Deepgram connection per utterance, streams the
// utterance audio and joins the final transcript segments.
type Transcriber struct {
	cfg     Config
	connect connectFunc
	logger  *slog.Logger
}

func New(cfg Config) *Transcriber {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 2 * time.Second
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 3200
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Transcriber{cfg: cfg, connect: sdkConnect, logger: logging.NewComponentLogger(base, "deepgram_stt")}
}

func (t *Transcriber) Name() string { return "deepgram" }

func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	encoding, err := encodingFor(req.Format)
	if err != nil {
		return "", err
	}
	language := t.cfg.Language
	if req.LanguageHint != "" {
		language = req.LanguageHint
	}
	opts := &interfaces.LiveTranscriptionOptions{
		Model:       t.cfg.Model,
		Language:    language,
		Encoding:    encoding,
		SampleRate:  req.Format.SampleRate,
		Channels:    req.Format.Channels,
		Punctuate:   true,
		SmartFormat: true,
	}
	if t.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", t.cfg.UtteranceEndMS)
		opts.InterimResults = true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	col := newCollector(t.logger)
	dg, err := t.connect(ctx, t.cfg.APIKey, opts, col)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	if !dg.Connect() {
		t.logger.Error("deepgram_connect_failed", slog.String("model", t.cfg.Model))
		return "", errorsx.Wrap(errConnect, errorsx.ReasonSTTConnect)
	}
	defer dg.Stop()

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- dg.Stream(&chunkReader{r: bytes.NewReader(req.Audio), max: t.cfg.ChunkBytes})
	}()

	// Endpoint events are ignored until every byte was sent; a pause inside
	// the utterance makes Deepgram report speech_final early.
	select {
	case err := <-streamErr:
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
			t.logger.Warn("deepgram_stream_error", slog.String("error", err.Error()))
			return "", errorsx.Wrap(err, errorsx.ReasonSTTTranscribe)
		}
		col.markStreamed()
		if err := dg.Finalize(); err != nil {
			t.logger.Warn("deepgram_finalize_failed", slog.String("error", err.Error()))
		}
	case <-col.done:
		return col.result()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	settle := time.NewTimer(t.cfg.SettleTimeout)
	defer settle.Stop()
	select {
	case <-col.done:
	case <-settle.C:
		t.logger.Debug("deepgram_settle_timeout", slog.Int("segments", col.segments()))
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return col.result()
}

func encodingFor(f audio.Format) (string, error) {
	switch f.Encoding {
	case audio.EncodingPCM16:
		return "linear16", nil
	case audio.EncodingMuLaw:
		return "mulaw", nil
	}
	return "", errorsx.Wrap(fmt.Errorf("deepgram: unsupported encoding %s", f.Encoding), errorsx.ReasonAudioFormat)
}

// chunkReader caps each Read so the SDK writes audio in small messages.
type chunkReader struct {
	r   io.Reader
	max int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.max {
		p = p[:c.max]
	}
	return c.r.Read(p)
}

// collector implements the SDK callback for one utterance. done closes on a
// provider error, on socket close, or once the finalize result or an
// utterance end arrives after streaming completed.
type collector struct {
	logger   *slog.Logger
	streamed atomic.Bool

	mu     sync.Mutex
	finals []string
	err    error
	once   sync.Once
	done   chan struct{}
}

func newCollector(logger *slog.Logger) *collector {
	return &collector{logger: logger, done: make(chan struct{})}
}

func (c *collector) finish() { c.once.Do(func() { close(c.done) }) }

func (c *collector) markStreamed() { c.streamed.Store(true) }

// onTranscript records final segments. speech_final is not an end signal:
// it fires at every endpoint, including pauses inside one utterance.
func (c *collector) onTranscript(text string, final, fromFinalize bool) {
	text = strings.TrimSpace(text)
	if final && text != "" {
		c.mu.Lock()
		c.finals = append(c.finals, text)
		c.mu.Unlock()
	}
	if fromFinalize {
		c.finish()
	}
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.finish()
}

func (c *collector) segments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.finals)
}

func (c *collector) result() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.finals) > 0 {
		return strings.Join(c.finals, " "), nil
	}
	if c.err != nil {
		return "", c.err
	}
	return "", nil
}

func (c *collector) Open(*msginterfaces.OpenResponse) error {
	c.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *collector) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.onTranscript(mr.Channel.Alternatives[0].Transcript, mr.IsFinal, mr.FromFinalize)
	return nil
}

func (c *collector) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *collector) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *collector) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	if c.streamed.Load() {
		c.finish()
	}
	return nil
}

func (c *collector) Close(*msginterfaces.CloseResponse) error {
	c.finish()
	return nil
}

func (c *collector) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.onError(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *collector) UnhandledEvent(byData []byte) error {
	c.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var (
	_ stt.Transcriber                   = (*Transcriber)(nil)
	_ msginterfaces.LiveMessageCallback = (*collector)(nil)
)
