package vocalis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/vocalis/pkg/adapters/stt"
	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/llm"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/providers/mock"
)

func mockConfig() Config {
	return Config{
		Session: SessionConfig{SampleRate: 16000, Encoding: "pcm16", FrameMS: 20, Voice: "rachel"},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock", Settings: map[string]any{"transcript": "hello there"}},
			TTS: VendorConfig{Provider: "mock", Settings: map[string]any{"per_char_ms": 2}},
			LLM: VendorConfig{Provider: "mock"},
		},
		Resilience: ResilienceConfig{CircuitThreshold: 3, CircuitCooldownMS: 1000},
	}
}

func builtinRegistry() *ProviderRegistry {
	reg := NewProviderRegistry()
	RegisterBuiltinProviders(reg)
	return reg
}

func TestBuildServicesWithMocks(t *testing.T) {
	svc, err := builtinRegistry().BuildServices(mockConfig(), metrics.NoopObserver{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := svc.STT.(*mock.Transcriber); !ok {
		t.Fatalf("expected bare mock transcriber, got %T", svc.STT)
	}
	text, err := svc.STT.Transcribe(context.Background(), stt.Request{})
	if err != nil || text != "hello there" {
		t.Fatalf("unexpected transcript %q %v", text, err)
	}
	reply, err := svc.LLM.GenerateReply(context.Background(), "hi", nil)
	if err != nil || reply != "you said: hi" {
		t.Fatalf("mock llm should echo by default, got %q %v", reply, err)
	}
}

func TestBuildServicesWrapsBreakers(t *testing.T) {
	cfg := mockConfig()
	cfg.Resilience.UseCircuitBreaker = true
	svc, err := builtinRegistry().BuildServices(cfg, metrics.NoopObserver{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := svc.STT.(*stt.CircuitBreakerTranscriber); !ok {
		t.Fatalf("expected breaker transcriber, got %T", svc.STT)
	}
	if _, ok := svc.TTS.(*tts.CircuitBreakerSynthesizer); !ok {
		t.Fatalf("expected breaker synthesizer, got %T", svc.TTS)
	}
	if _, ok := svc.LLM.(*llm.CircuitBreakerReplier); !ok {
		t.Fatalf("expected breaker replier, got %T", svc.LLM)
	}
	if svc.STT.Name() != "mock_stt" {
		t.Fatalf("breaker should keep the inner name, got %s", svc.STT.Name())
	}
}

func TestBuildServicesUnknownProvider(t *testing.T) {
	cfg := mockConfig()
	cfg.Vendors.LLM.Provider = "nope"
	_, err := builtinRegistry().BuildServices(cfg, metrics.NoopObserver{})
	if err == nil || !strings.Contains(err.Error(), "llm provider not registered: nope") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRegistryNormalizesNames(t *testing.T) {
	reg := NewProviderRegistry()
	want := errors.New("custom")
	reg.RegisterSTT(" Custom ", func(Config) (stt.Transcriber, error) { return nil, want })
	if _, err := reg.BuildSTT("CUSTOM", Config{}); !errors.Is(err, want) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestBuiltinProvidersValidateSettings(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"unknown mock key": {
			mutate: func(c *Config) { c.Vendors.STT.Settings = map[string]any{"transcrpt": "x"} },
			want:   "vendors.stt.settings: unknown: transcrpt",
		},
		"deepgram without key": {
			mutate: func(c *Config) { c.Vendors.STT = VendorConfig{Provider: "deepgram"} },
			want:   "missing: api_key",
		},
		"deepgram utterance end out of range": {
			mutate: func(c *Config) {
				c.Vendors.STT = VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "k", "utterance_end_ms": 9000}}
			},
			want: "utterance_end_ms",
		},
		"elevenlabs without voice": {
			mutate: func(c *Config) {
				c.Session.Voice = ""
				c.Vendors.TTS = VendorConfig{Provider: "elevenlabs", Settings: map[string]any{"api_key": "k"}}
			},
			want: "vendors.tts.settings.voice_id is required",
		},
		"openai blank key": {
			mutate: func(c *Config) {
				c.Vendors.LLM = VendorConfig{Provider: "openai", Settings: map[string]any{"api_key": " "}}
			},
			want: "missing: api_key",
		},
	}
	for name, tc := range cases {
		cfg := mockConfig()
		tc.mutate(&cfg)
		_, err := builtinRegistry().BuildServices(cfg, metrics.NoopObserver{})
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", name, tc.want, err)
		}
	}
}

func TestBuiltinVendorsBuildWithCredentials(t *testing.T) {
	cfg := mockConfig()
	cfg.Vendors = VendorsConfig{
		STT: VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "dg", "model": "nova-2"}},
		TTS: VendorConfig{Provider: "elevenlabs", Settings: map[string]any{"api_key": "xi"}},
		LLM: VendorConfig{Provider: "openai", Settings: map[string]any{"api_key": "sk", "max_tokens": "128"}},
	}
	svc, err := builtinRegistry().BuildServices(cfg, metrics.NoopObserver{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if svc.STT.Name() != "deepgram" || svc.TTS.Name() != "elevenlabs" || svc.LLM.Name() != "openai" {
		t.Fatalf("unexpected vendors %s %s %s", svc.STT.Name(), svc.TTS.Name(), svc.LLM.Name())
	}
}
