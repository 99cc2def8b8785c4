package vocalis

import (
	"fmt"

	"github.com/harunnryd/vocalis/pkg/adapters/stt"
	"github.com/harunnryd/vocalis/pkg/adapters/tts"
	"github.com/harunnryd/vocalis/pkg/configutil"
	"github.com/harunnryd/vocalis/pkg/llm"
	"github.com/harunnryd/vocalis/pkg/providers/deepgram"
	"github.com/harunnryd/vocalis/pkg/providers/elevenlabs"
	"github.com/harunnryd/vocalis/pkg/providers/mock"
	"github.com/harunnryd/vocalis/pkg/providers/openai"
)

type deepgramSettings struct {
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	Language        string `mapstructure:"language"`
	UtteranceEndMS  *int   `mapstructure:"utterance_end_ms"`
	SettleTimeoutMS int    `mapstructure:"settle_timeout_ms"`
	ChunkBytes      int    `mapstructure:"chunk_bytes"`
}

type elevenlabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	BaseURL      string `mapstructure:"base_url"`
}

type openAISettings struct {
	APIKey       string  `mapstructure:"api_key"`
	Model        string  `mapstructure:"model"`
	BaseURL      string  `mapstructure:"base_url"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature"`
	TimeoutMS    int     `mapstructure:"timeout_ms"`
}

type mockSTTSettings struct {
	Transcript string `mapstructure:"transcript"`
	DelayMS    int    `mapstructure:"delay_ms"`
}

type mockTTSSettings struct {
	SampleRate   int `mapstructure:"sample_rate"`
	PerCharMS    int `mapstructure:"per_char_ms"`
	ChunkDelayMS int `mapstructure:"chunk_delay_ms"`
	DelayMS      int `mapstructure:"delay_ms"`
}

type mockLLMSettings struct {
	ResponseText string `mapstructure:"response_text"`
	Echo         *bool  `mapstructure:"echo"`
	DelayMS      int    `mapstructure:"delay_ms"`
}

// RegisterBuiltinProviders registers the bundled vendors: deepgram,
// elevenlabs, openai and the mock providers used for local runs.
func RegisterBuiltinProviders(reg *ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg Config) (stt.Transcriber, error) {
		var settings deepgramSettings
		if err := configutil.Decode("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "utterance_end_ms", "settle_timeout_ms", "chunk_bytes"},
		}, &settings); err != nil {
			return nil, err
		}
		if settings.Language == "" {
			settings.Language = cfg.STTDefaults().Language
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if err := configutil.IntRange(utteranceEnd, 0, 5000, "vendors.stt.settings.utterance_end_ms"); err != nil {
			return nil, err
		}
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       settings.Language,
			UtteranceEndMS: utteranceEnd,
			SettleTimeout:  ms(settings.SettleTimeoutMS),
			ChunkBytes:     settings.ChunkBytes,
		}), nil
	})

	reg.RegisterSTT("mock", func(cfg Config) (stt.Transcriber, error) {
		var settings mockSTTSettings
		if err := configutil.Decode("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "delay_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.NewSTT(mock.STTConfig{
			Transcript: settings.Transcript,
			Delay:      ms(settings.DelayMS),
		}), nil
	})

	reg.RegisterTTS("elevenlabs", func(cfg Config) (tts.Synthesizer, error) {
		var settings elevenlabsSettings
		if err := configutil.Decode("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"voice_id", "model_id", "output_format", "base_url"},
		}, &settings); err != nil {
			return nil, err
		}
		if settings.VoiceID == "" {
			settings.VoiceID = cfg.VoiceDefaults().Voice.Voice
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		if settings.OutputFormat == "" {
			settings.OutputFormat = fmt.Sprintf("pcm_%d", cfg.VoiceDefaults().SampleRate)
		}
		synth, err := elevenlabs.New(elevenlabs.Config{
			APIKey:       settings.APIKey,
			VoiceID:      settings.VoiceID,
			ModelID:      settings.ModelID,
			OutputFormat: settings.OutputFormat,
			BaseURL:      settings.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return synth, nil
	})

	reg.RegisterTTS("mock", func(cfg Config) (tts.Synthesizer, error) {
		var settings mockTTSSettings
		if err := configutil.Decode("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"sample_rate", "per_char_ms", "chunk_delay_ms", "delay_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		sampleRate := settings.SampleRate
		if sampleRate == 0 {
			sampleRate = cfg.VoiceDefaults().SampleRate
		}
		return mock.NewTTS(mock.TTSConfig{
			SampleRate: sampleRate,
			PerChar:    ms(settings.PerCharMS),
			ChunkDelay: ms(settings.ChunkDelayMS),
			Delay:      ms(settings.DelayMS),
		}), nil
	})

	reg.RegisterLLM("openai", func(cfg Config) (llm.Replier, error) {
		var settings openAISettings
		if err := configutil.Decode("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url", "system_prompt", "max_tokens", "temperature", "timeout_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		replier, err := openai.NewReplier(openai.Config{
			APIKey:       settings.APIKey,
			Model:        settings.Model,
			BaseURL:      settings.BaseURL,
			SystemPrompt: settings.SystemPrompt,
			MaxTokens:    settings.MaxTokens,
			Temperature:  settings.Temperature,
			Timeout:      ms(settings.TimeoutMS),
		})
		if err != nil {
			return nil, err
		}
		return replier, nil
	})

	reg.RegisterLLM("mock", func(cfg Config) (llm.Replier, error) {
		var settings mockLLMSettings
		if err := configutil.Decode("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"response_text", "echo", "delay_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLM(mock.LLMConfig{
			ResponseText: settings.ResponseText,
			Echo:         configutil.BoolValue(settings.Echo, true),
			Delay:        ms(settings.DelayMS),
		}), nil
	})
}
