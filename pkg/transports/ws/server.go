package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/vocalis/pkg/transports"
)

type Config struct {
	Path           string   `mapstructure:"path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadLimit      int64    `mapstructure:"read_limit"`
	PingIntervalMS int      `mapstructure:"ping_interval_ms"`
	WriteTimeoutMS int      `mapstructure:"write_timeout_ms"`
	SendBuffer     int      `mapstructure:"send_buffer"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

func (c Config) options(logger *slog.Logger) Options {
	return Options{
		ReadLimit:    c.ReadLimit,
		PingInterval: msDuration(c.PingIntervalMS),
		WriteTimeout: msDuration(c.WriteTimeoutMS),
		SendBuffer:   c.SendBuffer,
		Logger:       logger,
	}
}

// Transport is the websocket endpoint clients connect to. Every upgraded
// socket becomes one Conn served by the handler on the request goroutine.
type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	handler  transports.Handler
	logger   *slog.Logger
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
	}
	t.upgrader.CheckOrigin = OriginChecker(cfg.AllowAnyOrigin, cfg.AllowedOrigins)
	return t
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Path() string { return t.cfg.Path }

// Register mounts the endpoint on mux.
func (t *Transport) Register(mux *http.ServeMux) {
	mux.Handle(t.cfg.Path, t)
}

// Drain refuses new upgrades; sockets already open are left alone.
func (t *Transport) Drain() { t.draining.Store(true) }

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sock, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("ws_upgrade_failed", "error", err.Error())
		return
	}
	conn := NewConn(uuid.NewString(), sock, JSONFramer{}, t.cfg.options(t.logger))
	defer conn.Close()
	t.handler.ServeConn(r.Context(), conn)
}

// OriginChecker accepts requests without an Origin header and those whose
// origin matches an entry by full URL or by host.
func OriginChecker(allowAny bool, allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		origin = strings.TrimRight(origin, "/")
		originHost := strings.TrimPrefix(origin, "https://")
		originHost = strings.TrimPrefix(originHost, "http://")
		for _, a := range allowed {
			a = strings.TrimRight(strings.TrimSpace(a), "/")
			if a == "" {
				continue
			}
			if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
				if strings.EqualFold(a, origin) {
					return true
				}
				continue
			}
			if strings.EqualFold(a, originHost) {
				return true
			}
		}
		return false
	}
}
