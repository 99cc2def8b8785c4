package vocalis

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/vocalis/pkg/adapters/stt"
	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/resilience"
	"github.com/harunnryd/vocalis/pkg/server"
	"github.com/harunnryd/vocalis/pkg/session"
	"github.com/harunnryd/vocalis/pkg/vad"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        server.Config       `mapstructure:"server"`
	Session       SessionConfig       `mapstructure:"session"`
	VAD           VADConfig           `mapstructure:"vad"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Timeouts      TimeoutsConfig      `mapstructure:"timeouts"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Debug         DebugConfig         `mapstructure:",squash"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

// TransportConfig enables one transport; Settings are decoded by the
// transport's builder.
type TransportConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Settings map[string]any `mapstructure:"settings"`
}

type TransportsConfig struct {
	Websocket TransportConfig `mapstructure:"websocket"`
	Twilio    TransportConfig `mapstructure:"twilio"`
}

type SessionConfig struct {
	SampleRate     int     `mapstructure:"sample_rate"`
	Encoding       string  `mapstructure:"encoding"`
	FrameMS        int     `mapstructure:"frame_ms"`
	MinPartialMS   int     `mapstructure:"min_partial_ms"`
	QueueDepth     int     `mapstructure:"queue_depth"`
	ContextWindow  int     `mapstructure:"context_window"`
	Language       string  `mapstructure:"language"`
	Voice          string  `mapstructure:"voice"`
	Speed          float64 `mapstructure:"speed"`
	CloseTimeoutMS int     `mapstructure:"close_timeout_ms"`
}

type VADConfig struct {
	Threshold     float64 `mapstructure:"threshold"`
	OpenFrames    int     `mapstructure:"open_frames"`
	CloseFrames   int     `mapstructure:"close_frames"`
	PrePadFrames  int     `mapstructure:"pre_pad_frames"`
	PostPadFrames int     `mapstructure:"post_pad_frames"`
}

type RetryConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	BackoffMS  int `mapstructure:"backoff_ms"`
}

type TimeoutsConfig struct {
	TranscribeMS int `mapstructure:"transcribe_ms"`
	GenerateMS   int `mapstructure:"generate_ms"`
	FirstAudioMS int `mapstructure:"first_audio_ms"`
}

type ResilienceConfig struct {
	UseCircuitBreaker bool `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int  `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int  `mapstructure:"circuit_cooldown_ms"`
}

type ObservabilityConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	OTelEnabled   bool   `mapstructure:"otel_enabled"`
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`

	// EventsPath, when set, receives metrics events as JSON lines, sampled
	// at EventsSampleRate.
	EventsPath       string  `mapstructure:"events_path"`
	EventsSampleRate float64 `mapstructure:"events_sample_rate"`
	AsyncBuffer      int     `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type DebugConfig struct {
	SimulateBadNet bool `mapstructure:"simulate_bad_network"`
	// DropEvery is the interval of inbound audio messages dropped while
	// simulating a bad network.
	DropEvery      int  `mapstructure:"simulate_drop_every"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.health_path", "/health")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.sessions_path", "/sessions")
	v.SetDefault("server.shutdown_timeout_ms", 20000)
	v.SetDefault("session.sample_rate", 16000)
	v.SetDefault("session.encoding", "pcm16")
	v.SetDefault("session.frame_ms", 20)
	v.SetDefault("session.min_partial_ms", 300)
	v.SetDefault("session.queue_depth", session.DefaultQueueDepth)
	v.SetDefault("session.context_window", session.DefaultContextWindow)
	v.SetDefault("session.close_timeout_ms", 1000)
	v.SetDefault("vad.threshold", 0.02)
	v.SetDefault("vad.open_frames", 10)
	v.SetDefault("vad.close_frames", 25)
	v.SetDefault("vad.pre_pad_frames", 5)
	v.SetDefault("vad.post_pad_frames", 5)
	v.SetDefault("retry.max_retries", 1)
	v.SetDefault("retry.backoff_ms", 200)
	v.SetDefault("timeouts.transcribe_ms", 15000)
	v.SetDefault("timeouts.generate_ms", 20000)
	v.SetDefault("timeouts.first_audio_ms", 10000)
	v.SetDefault("resilience.use_circuit_breaker", true)
	v.SetDefault("resilience.circuit_threshold", 3)
	v.SetDefault("resilience.circuit_cooldown_ms", 30000)
	v.SetDefault("transports.websocket.enabled", true)
	v.SetDefault("transports.twilio.enabled", false)
	v.SetDefault("observability.service_name", "vocalis")
	v.SetDefault("observability.otel_enabled", true)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.events_sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 2048)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("simulate_bad_network", false)
	v.SetDefault("simulate_drop_every", 7)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if !c.Transports.Websocket.Enabled && !c.Transports.Twilio.Enabled {
		return fmt.Errorf("at least one of transports.websocket or transports.twilio must be enabled")
	}
	if _, err := c.Session.Format(); err != nil {
		return err
	}
	if c.Session.FrameMS <= 0 || c.Session.FrameMS > 1000 {
		return fmt.Errorf("session.frame_ms must be between 1 and 1000, got %d", c.Session.FrameMS)
	}
	if c.VAD.Threshold <= 0 || c.VAD.Threshold >= 1 {
		return fmt.Errorf("vad.threshold must be in (0, 1), got %v", c.VAD.Threshold)
	}
	if c.VAD.OpenFrames <= 0 || c.VAD.CloseFrames <= 0 {
		return fmt.Errorf("vad.open_frames and vad.close_frames must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if r := c.Observability.EventsSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.events_sample_rate must be between 0 and 1, got %v", r)
	}
	return nil
}

// Format returns the audio format sessions are configured for.
func (s SessionConfig) Format() (audio.Format, error) {
	if s.SampleRate <= 0 {
		return audio.Format{}, fmt.Errorf("session.sample_rate must be positive, got %d", s.SampleRate)
	}
	switch strings.ToLower(strings.TrimSpace(s.Encoding)) {
	case "pcm16", "linear16", "":
		return audio.PCM16Mono(s.SampleRate), nil
	case "mulaw", "ulaw":
		return audio.Format{SampleRate: s.SampleRate, Channels: 1, Encoding: audio.EncodingMuLaw}, nil
	}
	return audio.Format{}, fmt.Errorf("session.encoding must be one of [pcm16, mulaw], got %s", s.Encoding)
}

// SessionConfig maps the loaded settings onto per-session pipeline settings.
func (c Config) SessionConfig() session.Config {
	format, err := c.Session.Format()
	if err != nil {
		format = audio.PCM16Mono(16000)
	}
	return session.Config{
		Format:        format,
		FrameDuration: ms(c.Session.FrameMS),
		VAD: vad.Config{
			Threshold:     c.VAD.Threshold,
			OpenFrames:    c.VAD.OpenFrames,
			CloseFrames:   c.VAD.CloseFrames,
			PrePadFrames:  c.VAD.PrePadFrames,
			PostPadFrames: c.VAD.PostPadFrames,
		},
		MinPartial:    ms(c.Session.MinPartialMS),
		QueueDepth:    c.Session.QueueDepth,
		ContextWindow: c.Session.ContextWindow,
		Language:      c.Session.Language,
		Voice:         c.VoiceDefaults().Voice,
		Retry:         resilience.NewRetryPolicy(c.Retry.MaxRetries, ms(c.Retry.BackoffMS)),
		Timeouts: session.Timeouts{
			Transcribe: ms(c.Timeouts.TranscribeMS),
			Generate:   ms(c.Timeouts.GenerateMS),
			FirstAudio: ms(c.Timeouts.FirstAudioMS),
		},
		CloseTimeout: ms(c.Session.CloseTimeoutMS),
	}
}

// STTDefaults returns the vendor-agnostic settings STT factories start from.
func (c Config) STTDefaults() stt.Config {
	return stt.Config{SampleRate: c.Session.SampleRate, Language: c.Session.Language}
}

// VoiceDefaults returns the vendor-agnostic settings TTS factories start from.
func (c Config) VoiceDefaults() tts.Config {
	return tts.Config{
		SampleRate: c.Session.SampleRate,
		Voice: tts.VoiceConfig{
			Voice:    c.Session.Voice,
			Language: c.Session.Language,
			Speed:    c.Session.Speed,
		},
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Websocket.Settings = expandSettings(cfg.Transports.Websocket.Settings)
	cfg.Transports.Twilio.Settings = expandSettings(cfg.Transports.Twilio.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
