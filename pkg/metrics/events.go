package metrics

// Event names emitted by sessions. Values are seconds for durations and counts
// otherwise.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"

	EventFrameRejected = "frame_rejected"
	EventSequenceGap   = "sequence_gap"

	EventUtteranceQueued    = "utterance_queued"
	EventUtteranceDropped   = "utterance_dropped"
	EventUtteranceDiscarded = "utterance_discarded"
	EventUtteranceDone      = "utterance_done"

	// EventStageDuration carries tags "stage" and "status".
	EventStageDuration  = "stage_duration"
	EventStageError     = "stage_error"
	EventTTSFirstAudio  = "tts_first_audio"
	EventAudioFramesOut = "audio_frames_out"

	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"
)

// Stage names used in the "stage" tag.
const (
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
	StageStream     = "stream"
)
