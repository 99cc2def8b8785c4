package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTTranscribe  ReasonCode = "stt_transcribe"
	ReasonSTTEmpty       ReasonCode = "stt_empty_transcript"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"
	ReasonSTTTimeout     ReasonCode = "stt_timeout"
	ReasonSTTConnect     ReasonCode = "stt_connect"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMEmpty       ReasonCode = "llm_empty_reply"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"
	ReasonLLMTimeout     ReasonCode = "llm_timeout"

	ReasonTTSSynthesize  ReasonCode = "tts_synthesize"
	ReasonTTSStream      ReasonCode = "tts_stream"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"
	ReasonTTSTimeout     ReasonCode = "tts_timeout"
	ReasonTTSConnect     ReasonCode = "tts_connect"

	ReasonAudioFormat   ReasonCode = "audio_format"
	ReasonWireDecode    ReasonCode = "wire_decode"
	ReasonIntakeDropped ReasonCode = "intake_dropped"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportRecv             ReasonCode = "transport_recv"
)
