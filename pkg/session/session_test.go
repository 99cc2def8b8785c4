package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/providers/mock"
	"github.com/harunnryd/vocalis/pkg/vad"
	"github.com/harunnryd/vocalis/pkg/wire"
)

type chanInbound struct {
	ch chan wire.Message
}

func (c *chanInbound) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case m, ok := <-c.ch:
		if !ok {
			return wire.Message{}, io.EOF
		}
		return m, nil
	}
}

// markerDetector treats frames whose first byte is 1 as speech.
var markerDetector = vad.DetectorFunc(func(f audio.Frame) float64 {
	if len(f.Data) > 0 && f.Data[0] == 1 {
		return 1
	}
	return 0
})

func markerChunk(seq uint64, speech bool) wire.Message {
	data := make([]byte, testFormat.FrameBytes(20*time.Millisecond))
	if speech {
		data[0] = 1
	}
	return wire.Audio(audio.Frame{Seq: seq, Format: testFormat, Data: data})
}

func testSessionConfig() Config {
	cfg := DefaultConfig()
	cfg.VAD = vad.Config{Threshold: 0.5, OpenFrames: 3, CloseFrames: 5, PrePadFrames: 2, PostPadFrames: 2}
	cfg.MinPartial = 200 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	return cfg
}

func newTestSession(out Outbound, opts ...Option) (*Session, *mock.Transcriber) {
	sttSvc := mock.NewSTT(mock.STTConfig{Transcript: "hello there"})
	services := Services{STT: sttSvc, LLM: mock.NewLLM(mock.LLMConfig{Echo: true}), TTS: mock.NewTTS(mock.TTSConfig{})}
	opts = append([]Option{WithLogger(quietLogger()), WithDetector(markerDetector)}, opts...)
	return New("s1", testSessionConfig(), services, out, opts...), sttSvc
}

func TestSessionEndToEnd(t *testing.T) {
	out := &recorder{}
	s, sttSvc := newTestSession(out)
	in := &chanInbound{ch: make(chan wire.Message, 64)}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), in) }()

	seq := uint64(0)
	push := func(n int, speech bool) {
		for i := 0; i < n; i++ {
			in.ch <- markerChunk(seq, speech)
			seq++
		}
	}
	push(4, false)
	push(10, true)
	push(6, false)

	out.waitFor(t, "reply audio", func() bool {
		return len(out.controls(wire.KindReplyText)) == 1 && len(out.audio()) > 0 && s.Coordinator().State() == StateIdle
	})
	close(in.ch)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not end")
	}

	reqs := sttSvc.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one transcription, got %d", len(reqs))
	}
	// 2 pre-pad + 10 speech + 2 post-pad frames.
	if want := 14 * testFormat.FrameBytes(20*time.Millisecond); len(reqs[0].Audio) != want {
		t.Fatalf("expected %d bytes of utterance audio, got %d", want, len(reqs[0].Audio))
	}
	if got := out.controls(wire.KindReplyText)[0].Data; got != "you said: hello there" {
		t.Fatalf("unexpected reply %q", got)
	}
	msgs := out.all()
	if last := msgs[len(msgs)-1]; last.Kind != wire.KindSessionClosed {
		t.Fatalf("expected session_closed last, got %+v", last)
	}
	for _, m := range out.audio() {
		f, err := m.Frame()
		if err != nil {
			t.Fatalf("outbound audio does not decode: %v", err)
		}
		if f.Format != testFormat {
			t.Fatalf("outbound audio in %s, want %s", f.Format, testFormat)
		}
	}
}

func TestSessionRejectsMalformedChunkAndContinues(t *testing.T) {
	out := &recorder{}
	s, _ := newTestSession(out)

	bad := wire.Message{Type: wire.TypeAudio, Sequence: 1, Payload: []byte("garbage")}
	if err := s.HandleMessage(context.Background(), bad); err != nil {
		t.Fatalf("malformed chunk must not end the session: %v", err)
	}
	notices := out.controls(wire.KindErrorNotice)
	if len(notices) != 1 || notices[0].Reason != "audio_format" {
		t.Fatalf("expected audio_format notice, got %+v", notices)
	}
	if err := s.HandleMessage(context.Background(), markerChunk(2, false)); err != nil {
		t.Fatalf("valid chunk after bad one: %v", err)
	}
	if st := s.Stats(); st.FramesRejected != 1 || st.FramesIn != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSessionAudioEndFlushesPartial(t *testing.T) {
	out := &recorder{}
	s, _ := newTestSession(out)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_ = s.HandleMessage(ctx, markerChunk(uint64(i), true))
	}
	if s.Queue().Len() != 0 {
		t.Fatalf("utterance should still be open")
	}
	_ = s.HandleMessage(ctx, wire.Control(wire.KindAudioEnd, ""))
	if s.Queue().Len() != 1 {
		t.Fatalf("expected partial utterance queued after audio_end")
	}
}

func TestSessionDropNotifiesClient(t *testing.T) {
	out := &recorder{}
	s, _ := newTestSession(out)
	ctx := context.Background()
	seq := uint64(0)
	for u := 0; u < DefaultQueueDepth+1; u++ {
		for i := 0; i < 4; i++ {
			_ = s.HandleMessage(ctx, markerChunk(seq, true))
			seq++
		}
		for i := 0; i < 5; i++ {
			_ = s.HandleMessage(ctx, markerChunk(seq, false))
			seq++
		}
	}
	if s.Queue().Len() != DefaultQueueDepth {
		t.Fatalf("expected full queue, got %d", s.Queue().Len())
	}
	dropped := out.controls(wire.KindUtteranceDropped)
	if len(dropped) != 1 || dropped[0].UtteranceID == "" {
		t.Fatalf("expected one drop notice, got %+v", dropped)
	}
	if s.Stats().Dropped != 1 {
		t.Fatalf("expected dropped counter 1")
	}
}

func TestSessionDisconnectDiscardsQueued(t *testing.T) {
	out := &recorder{}
	sttSvc := mock.NewSTT(mock.STTConfig{Delay: time.Hour})
	services := Services{STT: sttSvc, LLM: mock.NewLLM(mock.LLMConfig{}), TTS: mock.NewTTS(mock.TTSConfig{})}
	s := New("s2", testSessionConfig(), services, out, WithLogger(quietLogger()), WithDetector(markerDetector))
	in := &chanInbound{ch: make(chan wire.Message, 64)}

	seq := uint64(0)
	for u := 0; u < 2; u++ {
		for i := 0; i < 4; i++ {
			in.ch <- markerChunk(seq, true)
			seq++
		}
		for i := 0; i < 5; i++ {
			in.ch <- markerChunk(seq, false)
			seq++
		}
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), in) }()

	out.waitFor(t, "transcription in flight", func() bool { return sttSvc.Calls() == 1 })
	close(in.ch)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("in-flight call was not cancelled on disconnect")
	}
	if s.Queue().Len() != 0 {
		t.Fatalf("queued utterances should be discarded")
	}
	if len(out.audio()) != 0 {
		t.Fatalf("no audio expected after disconnect")
	}
}

func TestSessionFatalOnBrokenOutbound(t *testing.T) {
	out := &recorder{fail: errors.New("closed")}
	s, _ := newTestSession(out)
	in := &chanInbound{ch: make(chan wire.Message, 1)}
	in.ch <- wire.Message{Type: wire.TypeAudio, Payload: []byte{1}}

	err := s.Run(context.Background(), in)
	var fatal *SessionFatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected SessionFatalError, got %v", err)
	}
}
