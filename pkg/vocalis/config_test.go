package vocalis

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/vocalis/pkg/audio"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const mockVendors = `
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, mockVendors))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.SessionsPath != "/sessions" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if !cfg.Transports.Websocket.Enabled || cfg.Transports.Twilio.Enabled {
		t.Fatalf("unexpected transport defaults %+v", cfg.Transports)
	}
	if cfg.Session.QueueDepth != 5 || cfg.Session.ContextWindow != 10 {
		t.Fatalf("unexpected session defaults %+v", cfg.Session)
	}
	if cfg.Debug.DropEvery != 7 || cfg.Debug.SimulateBadNet {
		t.Fatalf("unexpected debug defaults %+v", cfg.Debug)
	}
	if !cfg.Privacy.RedactPII || !cfg.Resilience.UseCircuitBreaker {
		t.Fatalf("expected redaction and breakers on by default")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("VOCALIS_TEST_KEY", "sk-test")
	t.Setenv("VOCALIS_TEST_SID", "AC123")
	path := writeConfig(t, `
server:
  addr: "127.0.0.1:9000"
simulate_bad_network: true
simulate_drop_every: 4
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${VOCALIS_TEST_KEY}
  tts:
    provider: mock
  llm:
    provider: openai
    settings:
      api_key: $VOCALIS_TEST_KEY
      model: gpt-4o-mini
transports:
  twilio:
    enabled: true
    settings:
      account_sid: ${VOCALIS_TEST_SID}
      allowed_origins: ["https://${VOCALIS_TEST_SID}.example"]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vendors.STT.Settings["api_key"] != "sk-test" || cfg.Vendors.LLM.Settings["api_key"] != "sk-test" {
		t.Fatalf("vendor settings not expanded: %+v %+v", cfg.Vendors.STT.Settings, cfg.Vendors.LLM.Settings)
	}
	if cfg.Transports.Twilio.Settings["account_sid"] != "AC123" {
		t.Fatalf("transport settings not expanded: %+v", cfg.Transports.Twilio.Settings)
	}
	origins, _ := cfg.Transports.Twilio.Settings["allowed_origins"].([]any)
	if len(origins) != 1 || origins[0] != "https://AC123.example" {
		t.Fatalf("list settings not expanded: %#v", cfg.Transports.Twilio.Settings["allowed_origins"])
	}
	if !cfg.Debug.SimulateBadNet || cfg.Debug.DropEvery != 4 {
		t.Fatalf("debug keys not read: %+v", cfg.Debug)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %s", cfg.Server.Addr)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"missing provider": {
			body: "vendors:\n  stt:\n    provider: mock\n  tts:\n    provider: mock\n",
			want: "vendors.llm.provider",
		},
		"no transport": {
			body: mockVendors + "transports:\n  websocket:\n    enabled: false\n",
			want: "at least one",
		},
		"bad encoding": {
			body: mockVendors + "session:\n  encoding: opus\n",
			want: "session.encoding",
		},
		"bad threshold": {
			body: mockVendors + "vad:\n  threshold: 1.5\n",
			want: "vad.threshold",
		},
		"bad sample rate": {
			body: mockVendors + "observability:\n  events_sample_rate: 2\n",
			want: "events_sample_rate",
		},
	}
	for name, tc := range cases {
		_, err := LoadConfig(writeConfig(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", name, tc.want, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestSessionConfigMapping(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, mockVendors+`
session:
  sample_rate: 8000
  encoding: ulaw
  min_partial_ms: 250
  voice: alloy
  speed: 1.2
  language: id
retry:
  max_retries: 2
  backoff_ms: 50
timeouts:
  first_audio_ms: 3000
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sc := cfg.SessionConfig()
	want := audio.Format{SampleRate: 8000, Channels: 1, Encoding: audio.EncodingMuLaw}
	if sc.Format != want {
		t.Fatalf("unexpected format %v", sc.Format)
	}
	if sc.FrameDuration != 20*time.Millisecond || sc.MinPartial != 250*time.Millisecond {
		t.Fatalf("unexpected durations %v %v", sc.FrameDuration, sc.MinPartial)
	}
	if sc.Voice.Voice != "alloy" || sc.Voice.Speed != 1.2 || sc.Language != "id" {
		t.Fatalf("unexpected voice %+v language %q", sc.Voice, sc.Language)
	}
	if sc.Retry.MaxRetries != 2 || sc.Timeouts.FirstAudio != 3*time.Second {
		t.Fatalf("unexpected retry %+v timeouts %+v", sc.Retry, sc.Timeouts)
	}
	if sc.VAD.OpenFrames != 10 || sc.VAD.CloseFrames != 25 {
		t.Fatalf("unexpected vad %+v", sc.VAD)
	}
	if d := cfg.STTDefaults(); d.SampleRate != 8000 || d.Language != "id" {
		t.Fatalf("unexpected stt defaults %+v", d)
	}
}
