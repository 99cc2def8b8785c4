// Package wire defines the JSON envelopes exchanged between a client and the
// session server. Audio payloads carry codec-encoded frames, base64 in JSON.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/vocalis/pkg/audio"
)

type MessageType string

const (
	TypeAudio   MessageType = "audio"
	TypeControl MessageType = "control"
)

type ControlKind string

const (
	KindUtteranceTranscript ControlKind = "utterance_transcript"
	KindReplyText           ControlKind = "reply_text"
	KindErrorNotice         ControlKind = "error_notice"
	KindUtteranceDropped    ControlKind = "utterance_dropped"
	KindSessionClosed       ControlKind = "session_closed"

	// KindAudioEnd is sent by a client when it stops capturing. The session
	// closes any open utterance as partial and keeps the connection.
	KindAudioEnd ControlKind = "audio_end"
)

func (k ControlKind) Valid() bool {
	switch k {
	case KindUtteranceTranscript, KindReplyText, KindErrorNotice, KindUtteranceDropped, KindSessionClosed, KindAudioEnd:
		return true
	}
	return false
}

// Message is one envelope. Audio messages set Sequence and Payload; control
// messages set Kind and Data, plus Reason for error notices.
type Message struct {
	Type        MessageType `json:"type"`
	Sequence    uint64      `json:"sequence,omitempty"`
	Payload     []byte      `json:"payload,omitempty"`
	Kind        ControlKind `json:"kind,omitempty"`
	Data        string      `json:"data,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	UtteranceID string      `json:"utterance_id,omitempty"`
}

// Audio wraps a frame in an audio envelope.
func Audio(f audio.Frame) Message {
	return Message{Type: TypeAudio, Sequence: f.Seq, Payload: audio.Codec{}.Encode(f)}
}

// Control builds a control envelope.
func Control(kind ControlKind, data string) Message {
	return Message{Type: TypeControl, Kind: kind, Data: data}
}

// ErrorNotice builds an error_notice envelope with a machine-readable reason.
func ErrorNotice(reason, detail string) Message {
	return Message{Type: TypeControl, Kind: KindErrorNotice, Reason: reason, Data: detail}
}

// Frame decodes the audio payload.
func (m Message) Frame() (audio.Frame, error) {
	if m.Type != TypeAudio {
		return audio.Frame{}, fmt.Errorf("wire: not an audio message: %q", m.Type)
	}
	return audio.Codec{}.Decode(m.Payload)
}

func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses and validates an envelope.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("wire: decode: %w", err)
	}
	switch m.Type {
	case TypeAudio:
	case TypeControl:
		if !m.Kind.Valid() {
			return Message{}, fmt.Errorf("wire: unknown control kind %q", m.Kind)
		}
	default:
		return Message{}, fmt.Errorf("wire: unknown message type %q", m.Type)
	}
	return m, nil
}
