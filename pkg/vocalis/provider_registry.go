package vocalis

import (
	"fmt"
	"strings"

	"github.com/harunnryd/vocalis/pkg/adapters/stt"
	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/llm"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/resilience"
	"github.com/harunnryd/vocalis/pkg/session"
)

type STTFactory func(cfg Config) (stt.Transcriber, error)
type TTSFactory func(cfg Config) (tts.Synthesizer, error)
type LLMFactory func(cfg Config) (llm.Replier, error)

type ProviderRegistry struct {
	stt map[string]STTFactory
	tts map[string]TTSFactory
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactory),
		tts: make(map[string]TTSFactory),
		llm: make(map[string]LLMFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(provider string, cfg Config) (stt.Transcriber, error) {
	fn := r.stt[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTS(provider string, cfg Config) (tts.Synthesizer, error) {
	fn := r.tts[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.Replier, error) {
	fn := r.llm[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

// BuildServices builds one session's service clients from the configured
// vendors. Each call gets its own circuit breakers.
func (r *ProviderRegistry) BuildServices(cfg Config, obs metrics.Observer) (session.Services, error) {
	transcriber, err := r.BuildSTT(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		return session.Services{}, err
	}
	replier, err := r.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		return session.Services{}, err
	}
	synthesizer, err := r.BuildTTS(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return session.Services{}, err
	}
	if cfg.Resilience.UseCircuitBreaker {
		cooldown := ms(cfg.Resilience.CircuitCooldownMS)
		threshold := cfg.Resilience.CircuitThreshold
		transcriber = stt.NewCircuitBreakerTranscriber(transcriber, resilience.NewCircuitBreaker(threshold, cooldown), obs)
		synthesizer = tts.NewCircuitBreakerSynthesizer(synthesizer, resilience.NewCircuitBreaker(threshold, cooldown), obs)
		wrapped := llm.NewCircuitBreakerReplier(replier, resilience.NewCircuitBreaker(threshold, cooldown))
		wrapped.SetObserver(obs)
		replier = wrapped
	}
	return session.Services{STT: transcriber, LLM: replier, TTS: synthesizer}, nil
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
