package twilio

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/transports"
	"github.com/harunnryd/vocalis/pkg/transports/ws"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	StartTimeoutMS     int      `mapstructure:"start_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/twilio/stream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.StartTimeoutMS <= 0 {
		c.StartTimeoutMS = 10000
	}
	return c
}

// Transport adapts Twilio Media Streams to transports.Conn. Each stream is
// served by the handler for as long as the call lasts.
type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	handler  transports.Handler
	logger   *slog.Logger

	mu    sync.Mutex
	calls map[string]*ws.Conn

	draining atomic.Bool
}

func New(cfg Config, handler transports.Handler, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		calls: make(map[string]*ws.Conn),
	}
	t.upgrader.CheckOrigin = ws.OriginChecker(cfg.AllowAnyOrigin, cfg.AllowedOrigins)
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

// Register mounts the voice webhook, the media stream endpoint and the
// status callback on mux.
func (t *Transport) Register(mux *http.ServeMux) {
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
}

// Drain refuses new media streams.
func (t *Transport) Drain() { t.draining.Store(true) }

// ActiveCalls returns the number of attached media streams.
func (t *Transport) ActiveCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sock, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	start, err := t.awaitStart(sock)
	if err != nil {
		t.logger.Warn("twilio_stream_start_failed", "error", err.Error())
		_ = sock.Close()
		return
	}
	logger := t.logger.With("stream_sid", start.StreamID, "call_sid", start.CallSID)
	conn := ws.NewConn(start.StreamID, sock, newMediaFramer(start.StreamID), ws.Options{Logger: logger})
	if old := t.attach(start.CallSID, conn); old != nil {
		logger.Info("twilio_stream_reconnected", "old_stream_sid", old.ID())
		_ = old.Close()
	}
	defer func() {
		t.detach(start.CallSID, conn)
		_ = conn.Close()
	}()
	logger.Info("twilio_stream_started")
	t.handler.ServeConn(r.Context(), conn)
}

// awaitStart reads until the stream's start event, skipping "connected".
func (t *Transport) awaitStart(sock *websocket.Conn) (*TwilioStart, error) {
	_ = sock.SetReadDeadline(time.Now().Add(time.Duration(t.cfg.StartTimeoutMS) * time.Millisecond))
	defer sock.SetReadDeadline(time.Time{})
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return nil, err
		}
		var evt TwilioEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || evt.Start.StreamID == "" {
				return nil, errors.New("start event without stream sid")
			}
			return evt.Start, nil
		case "stop":
			return nil, io.EOF
		}
	}
}

func (t *Transport) attach(callSID string, conn *ws.Conn) *ws.Conn {
	if callSID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.calls[callSID]
	t.calls[callSID] = conn
	return old
}

func (t *Transport) detach(callSID string, conn *ws.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls[callSID] == conn {
		delete(t.calls, callSID)
	}
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	greeting := strings.TrimSpace(t.cfg.VoiceGreeting)
	var twiml string
	if greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

// handleStatusCallback closes the stream of a call that reached a final
// status, which ends its session.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.mu.Lock()
	conn := t.calls[callSID]
	delete(t.calls, callSID)
	t.mu.Unlock()
	if conn != nil {
		t.logger.Info("twilio_call_ended", "call_sid", callSID, "stream_sid", conn.ID(), "call_end_reason", reason)
		go conn.Close()
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return publicURL(t.cfg, t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return publicURL(t.cfg, t.cfg.StatusCallbackPath)
}

func publicURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
