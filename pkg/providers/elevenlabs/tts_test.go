package elevenlabs

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/resilience"
)

type received struct {
	path   string
	query  string
	apiKey string
	texts  []string
}

// fakeStreamInput speaks the stream-input protocol: it reads the text
// messages up to the empty end-of-stream marker and answers with chunks.
func fakeStreamInput(t *testing.T, chunks [][]byte, tail map[string]any, got chan<- received) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := received{path: r.URL.Path, query: r.URL.RawQuery, apiKey: r.Header.Get("xi-api-key")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			text, _ := msg["text"].(string)
			rec.texts = append(rec.texts, text)
			if text == "" {
				break
			}
		}
		got <- rec
		for _, c := range chunks {
			_ = conn.WriteJSON(map[string]any{"audio": base64.StdEncoding.EncodeToString(c)})
		}
		_ = conn.WriteJSON(tail)
		_, _, _ = conn.ReadMessage()
	}))
}

func newTestSynth(t *testing.T, srv *httptest.Server, format string) *Synthesizer {
	t.Helper()
	s, err := New(Config{
		APIKey:       "xi-key",
		VoiceID:      "voice-1",
		ModelID:      "eleven_flash_v2_5",
		OutputFormat: format,
		BaseURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestSynthesizeStreamsDecodedAudio(t *testing.T) {
	got := make(chan received, 1)
	srv := fakeStreamInput(t, [][]byte{{1, 2, 3, 4}, {5, 6}}, map[string]any{"isFinal": true}, got)
	defer srv.Close()

	s := newTestSynth(t, srv, "pcm_22050")
	stream, err := s.Synthesize(context.Background(), "  hello world", tts.VoiceConfig{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer stream.Body.Close()
	if stream.Format != audio.PCM16Mono(22050) {
		t.Fatalf("unexpected format %v", stream.Format)
	}
	data, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != string([]byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("unexpected audio %v", data)
	}

	rec := <-got
	if rec.path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Fatalf("unexpected path %s", rec.path)
	}
	if rec.apiKey != "xi-key" || !strings.Contains(rec.query, "output_format=pcm_22050") || !strings.Contains(rec.query, "model_id=eleven_flash_v2_5") {
		t.Fatalf("unexpected request %+v", rec)
	}
	if len(rec.texts) != 3 || rec.texts[1] != "hello world " || rec.texts[2] != "" {
		t.Fatalf("unexpected text sequence %q", rec.texts)
	}
}

func TestSynthesizeSurfacesProviderError(t *testing.T) {
	got := make(chan received, 1)
	srv := fakeStreamInput(t, nil, map[string]any{"error": "quota_exceeded", "message": "no credits"}, got)
	defer srv.Close()

	s := newTestSynth(t, srv, "ulaw_8000")
	stream, err := s.Synthesize(context.Background(), "hi", tts.VoiceConfig{Voice: "other"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer stream.Body.Close()
	if stream.Format.Encoding != audio.EncodingMuLaw {
		t.Fatalf("expected mu-law stream, got %v", stream.Format)
	}
	_, err = io.ReadAll(stream.Body)
	if errorsx.Reason(err) != errorsx.ReasonTTSStream {
		t.Fatalf("expected tts_stream error, got %v", err)
	}
	if rec := <-got; rec.path != "/v1/text-to-speech/other/stream-input" {
		t.Fatalf("voice override ignored: %s", rec.path)
	}
}

func TestSynthesizeMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newTestSynth(t, srv, "pcm_16000")
	_, err := s.Synthesize(context.Background(), "hi", tts.VoiceConfig{})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestParseOutputFormat(t *testing.T) {
	cases := map[string]bool{"pcm_16000": true, "ulaw_8000": true, "mp3_44100_128": false, "pcm_x": false}
	for name, ok := range cases {
		_, err := ParseOutputFormat(name)
		if (err == nil) != ok {
			t.Fatalf("%s: ok=%v err=%v", name, ok, err)
		}
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{VoiceID: "v"}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
