package twilio

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"strconv"

	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/wire"
)

// CallFormat is the audio format of a Twilio media stream.
var CallFormat = audio.Format{SampleRate: 8000, Channels: 1, Encoding: audio.EncodingMuLaw}

type TwilioStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type TwilioMedia struct {
	Chunk   string `json:"chunk,omitempty"`
	Payload string `json:"payload"`
}

type TwilioDTMF struct {
	Digit string `json:"digit"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	DTMF      *TwilioDTMF  `json:"dtmf,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

// mediaFramer maps Twilio stream events to wire envelopes. Inbound media
// becomes mu-law audio chunks sequenced by Twilio's chunk counter; outbound
// audio is converted to mu-law 8kHz media events. Text control envelopes have
// no Twilio equivalent and are dropped.
type mediaFramer struct {
	streamID string
	seq      uint64
}

func newMediaFramer(streamID string) *mediaFramer {
	return &mediaFramer{streamID: streamID}
}

func (f *mediaFramer) Decode(data []byte) (wire.Message, bool, error) {
	var evt TwilioEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return wire.Message{}, false, nil
	}
	switch evt.Event {
	case "media":
		if evt.Media == nil {
			return wire.Message{}, false, nil
		}
		payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
		if err != nil || len(payload) == 0 {
			return wire.Message{}, false, nil
		}
		f.seq = f.nextSeq(evt.Media.Chunk)
		frame := audio.Frame{Seq: f.seq, Format: CallFormat, Data: payload}
		return wire.Audio(frame), true, nil
	case "stop":
		return wire.Message{}, false, io.EOF
	}
	return wire.Message{}, false, nil
}

func (f *mediaFramer) nextSeq(chunk string) uint64 {
	if n, err := strconv.ParseUint(chunk, 10, 64); err == nil && n > f.seq {
		return n
	}
	return f.seq + 1
}

func (f *mediaFramer) Encode(msg wire.Message) ([]byte, bool, error) {
	if msg.Type != wire.TypeAudio {
		return nil, false, nil
	}
	frame, err := msg.Frame()
	if err != nil {
		return nil, false, err
	}
	data, err := audio.Convert(frame.Data, frame.Format, CallFormat)
	if err != nil {
		return nil, false, err
	}
	b, err := json.Marshal(TwilioEvent{
		Event:     "media",
		StreamSID: f.streamID,
		Media:     &TwilioMedia{Payload: base64.StdEncoding.EncodeToString(data)},
	})
	return b, err == nil, err
}
