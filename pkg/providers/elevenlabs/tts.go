package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/logging"
	"github.com/harunnryd/vocalis/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey  string
	VoiceID string
	ModelID string
	// OutputFormat is pcm_<rate> or ulaw_8000.
	OutputFormat string
	BaseURL      string
	Logger       *slog.Logger
}

// Synthesizer opens one stream-input websocket per reply, sends the whole
// text and streams decoded audio back as it arrives.
type Synthesizer struct {
	cfg    Config
	format audio.Format
	dialer websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) (*Synthesizer, error) {
	if cfg.APIKey == "" || cfg.VoiceID == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	format, err := ParseOutputFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Synthesizer{
		cfg:    cfg,
		format: format,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger: logging.NewComponentLogger(base, "elevenlabs_tts"),
	}, nil
}

// ParseOutputFormat maps an ElevenLabs output format name to an audio format.
func ParseOutputFormat(name string) (audio.Format, error) {
	switch {
	case name == "ulaw_8000":
		return audio.Format{SampleRate: 8000, Channels: 1, Encoding: audio.EncodingMuLaw}, nil
	case strings.HasPrefix(name, "pcm_"):
		rate, err := strconv.Atoi(strings.TrimPrefix(name, "pcm_"))
		if err != nil || rate <= 0 {
			return audio.Format{}, fmt.Errorf("elevenlabs: bad output format %q", name)
		}
		return audio.PCM16Mono(rate), nil
	}
	return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q", name)
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.VoiceConfig) (*tts.AudioStream, error) {
	voiceID := s.cfg.VoiceID
	if voice.Voice != "" {
		voiceID = voice.Voice
	}
	u := s.streamURL(voiceID)
	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{"xi-api-key": []string{s.cfg.APIKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Warn("elevenlabs_rate_limited", slog.String("status", resp.Status))
			return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs: dial: %w", err), errorsx.ReasonTTSConnect)
	}

	settings := map[string]any{"stability": 0.5, "similarity_boost": 0.8}
	if voice.Speed > 0 {
		settings["speed"] = voice.Speed
	}
	msgs := []map[string]any{
		{"text": " ", "voice_settings": settings},
		{"text": ensureTrailingSpace(text), "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			_ = conn.Close()
			return nil, errorsx.Wrap(fmt.Errorf("elevenlabs: send text: %w", err), errorsx.ReasonTTSSynthesize)
		}
	}

	pr, pw := io.Pipe()
	body := &stream{PipeReader: pr, conn: conn}
	go s.readLoop(ctx, conn, pw)
	s.logger.Debug("elevenlabs_stream_opened", slog.String("voice_id", voiceID), slog.Int("chars", len(text)))
	return &tts.AudioStream{Format: s.format, Body: body}, nil
}

func (s *Synthesizer) streamURL(voiceID string) string {
	base := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

type streamMessage struct {
	Audio       string `json:"audio"`
	AudioBase64 string `json:"audio_base_64"`
	IsFinal     bool   `json:"isFinal"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

func (s *Synthesizer) readLoop(ctx context.Context, conn *websocket.Conn, pw *io.PipeWriter) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				pw.CloseWithError(ctx.Err())
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				pw.Close()
				return
			}
			pw.CloseWithError(errorsx.Wrap(fmt.Errorf("elevenlabs: read: %w", err), errorsx.ReasonTTSStream))
			return
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("elevenlabs_unparsed_message", slog.String("data", string(data)))
			continue
		}
		if msg.Error != "" {
			pw.CloseWithError(errorsx.Wrap(fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message), errorsx.ReasonTTSStream))
			return
		}
		encoded := msg.Audio
		if encoded == "" {
			encoded = msg.AudioBase64
		}
		if encoded != "" {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				s.logger.Warn("elevenlabs_audio_decode_failed", slog.String("error", err.Error()))
				continue
			}
			if _, err := pw.Write(raw); err != nil {
				return
			}
		}
		if msg.IsFinal {
			pw.Close()
			return
		}
	}
}

// stream closes the socket along with the reader.
type stream struct {
	*io.PipeReader
	conn *websocket.Conn
}

func (s *stream) Close() error {
	_ = s.PipeReader.Close()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = s.conn.Close()
	return nil
}

func ensureTrailingSpace(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	return text
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
