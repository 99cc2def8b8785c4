package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/transports"
	"github.com/harunnryd/vocalis/pkg/wire"
)

func nopHandler() transports.Handler {
	return transports.HandlerFunc(func(ctx context.Context, c transports.Conn) {})
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg, nopHandler(), nil)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Stream url="wss://example.com/twilio/stream"/>`) {
		t.Fatalf("unexpected twiml %q", w.Body.String())
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleVoiceEscapesGreeting(t *testing.T) {
	tr := New(Config{VoiceGreeting: "Hi & welcome"}, nopHandler(), nil)
	req := httptest.NewRequest(http.MethodPost, "http://calls.example.com/twilio/voice", nil)
	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if !strings.Contains(w.Body.String(), "<Say>Hi &amp; welcome</Say>") {
		t.Fatalf("expected escaped greeting, got %q", w.Body.String())
	}
}

type twilioCall struct {
	sock *websocket.Conn
}

func dialStream(t *testing.T, srvURL, streamSID, callSID string) *twilioCall {
	t.Helper()
	sock, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srvURL, "http")+"/twilio/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &twilioCall{sock: sock}
	c.send(t, TwilioEvent{Event: "connected"})
	c.send(t, TwilioEvent{Event: "start", StreamSID: streamSID, Start: &TwilioStart{CallSID: callSID, StreamID: streamSID}})
	return c
}

func (c *twilioCall) send(t *testing.T, evt TwilioEvent) {
	t.Helper()
	b, _ := json.Marshal(evt)
	if err := c.sock.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMediaStreamRoundTrip(t *testing.T) {
	got := make(chan wire.Message, 4)
	ended := make(chan error, 1)
	ids := make(chan string, 1)
	handler := transports.HandlerFunc(func(ctx context.Context, c transports.Conn) {
		ids <- c.ID()
		msg, err := c.Recv(ctx)
		if err != nil {
			ended <- err
			return
		}
		got <- msg
		reply := audio.Frame{Seq: 1, Format: audio.PCM16Mono(16000), Data: make([]byte, 640)}
		_ = c.Send(ctx, wire.Audio(reply))
		_ = c.Send(ctx, wire.Control(wire.KindReplyText, "dropped on the phone leg"))
		_, err = c.Recv(ctx)
		ended <- err
	})
	tr := New(Config{}, handler, nil)
	mux := http.NewServeMux()
	tr.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	call := dialStream(t, srv.URL, "MZ1", "CA1")
	defer call.sock.Close()
	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFF, 0x7F, 0x7F})
	call.send(t, TwilioEvent{Event: "media", Media: &TwilioMedia{Chunk: "3", Payload: payload}})

	select {
	case msg := <-got:
		frame, err := msg.Frame()
		if err != nil {
			t.Fatalf("frame: %v", err)
		}
		if frame.Format != CallFormat || frame.Seq != 3 || len(frame.Data) != 4 {
			t.Fatalf("unexpected inbound frame %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no inbound media")
	}

	_ = call.sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := call.sock.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt TwilioEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Event != "media" || evt.StreamSID != "MZ1" || evt.Media == nil {
		t.Fatalf("unexpected outbound event %+v", evt)
	}
	out, _ := base64.StdEncoding.DecodeString(evt.Media.Payload)
	if len(out) != 160 {
		t.Fatalf("expected 20ms of mu-law 8k (160 bytes), got %d", len(out))
	}
	if tr.ActiveCalls() != 1 {
		t.Fatalf("expected one active call, got %d", tr.ActiveCalls())
	}

	if id := <-ids; id != "MZ1" {
		t.Fatalf("expected stream sid as conn id, got %q", id)
	}

	call.send(t, TwilioEvent{Event: "stop", Stop: &TwilioStop{Reason: "completed"}})
	select {
	case err := <-ended:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF after stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end after stop")
	}
}

func TestHandleStatusCallbackClosesStream(t *testing.T) {
	ended := make(chan error, 1)
	handler := transports.HandlerFunc(func(ctx context.Context, c transports.Conn) {
		for {
			if _, err := c.Recv(ctx); err != nil {
				ended <- err
				return
			}
		}
	})
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg, handler, nil)
	mux := http.NewServeMux()
	tr.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	call := dialStream(t, srv.URL, "MZ2", "CA2")
	defer call.sock.Close()
	deadline := time.Now().Add(2 * time.Second)
	for tr.ActiveCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	form := url.Values{}
	form.Set("CallSid", "CA2")
	form.Set("CallStatus", "completed")
	req := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), map[string]string{"CallSid": "CA2", "CallStatus": "completed"})
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case err := <-ended:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session was not closed by status callback")
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"in-progress": "",
		"completed":   "completed",
		"no-answer":   "no_answer",
		"canceled":    "failed",
		"weird":       "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
