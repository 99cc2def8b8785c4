// Package server accepts client connections from every mounted transport and
// runs one independent session per connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/session"
	"github.com/harunnryd/vocalis/pkg/transports"
	"github.com/harunnryd/vocalis/pkg/wire"
)

type Config struct {
	Addr              string `mapstructure:"addr"`
	HealthPath        string `mapstructure:"health_path"`
	MetricsPath       string `mapstructure:"metrics_path"`
	SessionsPath      string `mapstructure:"sessions_path"`
	ShutdownTimeoutMS int    `mapstructure:"shutdown_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.SessionsPath == "" {
		c.SessionsPath = "/sessions"
	}
	if c.ShutdownTimeoutMS <= 0 {
		c.ShutdownTimeoutMS = 20000
	}
	return c
}

// ServiceFactory builds the service clients for one session.
type ServiceFactory func(sessionID string) (session.Services, error)

// Mountable is a transport that serves its own HTTP routes.
type Mountable interface {
	Name() string
	Register(mux *http.ServeMux)
}

type Options struct {
	Config   Config
	Session  session.Config
	Services ServiceFactory
	Observer metrics.Observer
	Logger   *slog.Logger
	// MetricsHandler serves the metrics route; promhttp.Handler() when nil.
	MetricsHandler http.Handler
	// OnResult, if set, sees every processed utterance of every session.
	OnResult func(sessionID string, r session.Result)
}

// Server is the session server. Sessions share nothing but the service
// factory, so one failing session never affects another.
type Server struct {
	cfg      Config
	sessCfg  session.Config
	services ServiceFactory
	obs      metrics.Observer
	logger   *slog.Logger
	onResult func(string, session.Result)

	registry *SessionRegistry
	mux      *http.ServeMux
	http     *http.Server

	// base is the parent of every session context; cancelled after drain.
	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	mounted   []Mountable
	listener  net.Listener
	drainOnce sync.Once
	drainErr  error
}

func New(opts Options) *Server {
	cfg := opts.Config.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		sessCfg:    opts.Session,
		services:   opts.Services,
		obs:        obs,
		logger:     logger,
		onResult:   opts.OnResult,
		registry:   NewSessionRegistry(),
		mux:        http.NewServeMux(),
		base:       base,
		cancelBase: cancel,
	}
	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	s.mux.HandleFunc(cfg.HealthPath, s.handleHealth)
	s.mux.Handle(cfg.MetricsPath, metricsHandler)
	s.mux.HandleFunc(cfg.SessionsPath, s.handleSessions)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// HandlerFor returns the connection handler a transport named name should
// hand its connections to.
func (s *Server) HandlerFor(name string) transports.Handler {
	return transports.HandlerFunc(func(ctx context.Context, c transports.Conn) {
		s.serveConn(name, c)
	})
}

// Mount registers a transport's routes.
func (s *Server) Mount(t Mountable) {
	s.mu.Lock()
	s.mounted = append(s.mounted, t)
	s.mu.Unlock()
	t.Register(s.mux)
	s.logger.Info("transport_mounted", "transport", t.Name())
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Registry() *SessionRegistry { return s.registry }

// ReadyFields collects readiness metadata from mounted transports.
func (s *Server) ReadyFields() map[string]any {
	out := map[string]any{"addr": s.Addr()}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.mounted {
		if rr, ok := t.(transports.ReadyReporter); ok {
			for k, v := range rr.ReadyFields() {
				out[t.Name()+"_"+k] = v
			}
		}
	}
	return out
}

// Addr returns the bound address once listening, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Listen binds the configured address so bind errors surface before Run.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Run serves HTTP until ctx ends, then drains sessions and shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server_listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Drain()
	})
	return g.Wait()
}

// Drain refuses new connections, cancels live sessions, waits for them to
// finish within the shutdown timeout and stops the HTTP server. Only the
// first call does the work; later calls return its result.
func (s *Server) Drain() error {
	s.drainOnce.Do(func() {
		timeout := time.Duration(s.cfg.ShutdownTimeoutMS) * time.Millisecond
		s.registry.SetDraining(true)
		s.mu.Lock()
		for _, t := range s.mounted {
			if d, ok := t.(transports.Drainer); ok {
				d.Drain()
			}
		}
		s.mu.Unlock()
		s.logger.Info("server_draining", "active_sessions", s.registry.Count())
		s.registry.CloseAll()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if !s.registry.WaitForEmpty(ctx, 50*time.Millisecond) {
			s.drainErr = errors.New("drain timeout")
			s.logger.Warn("server_drain_timeout", "active_sessions", s.registry.Count())
		}
		s.cancelBase()
		if err := s.http.Shutdown(ctx); err != nil && s.drainErr == nil {
			s.drainErr = err
		}
	})
	return s.drainErr
}

func (s *Server) serveConn(transport string, c transports.Conn) {
	id := c.ID()
	logger := s.logger.With("session_id", id, "transport", transport)
	if s.registry.Draining() {
		s.refuse(c, "server_draining")
		return
	}
	services, err := s.services(id)
	if err != nil {
		logger.Error("session_services_failed", "error", err)
		s.refuse(c, "session_init")
		return
	}
	obs := metrics.WithTags(s.obs, map[string]string{"session_id": id, "transport": transport})
	opts := []session.Option{session.WithLogger(s.logger.With("transport", transport)), session.WithObserver(obs)}
	if s.onResult != nil {
		opts = append(opts, session.WithResultHandler(func(r session.Result) { s.onResult(id, r) }))
	}
	sess := session.New(id, s.sessCfg, services, c, opts...)

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()
	entry := &Entry{ID: id, Transport: transport, Session: sess, Cancel: cancel}
	if err := s.registry.Add(entry); err != nil {
		logger.Warn("session_rejected", "error", err)
		s.refuse(c, "session_rejected")
		return
	}
	defer s.registry.Remove(id)

	if err := sess.Run(ctx, c); err != nil {
		logger.Warn("session_failed", "error", err)
	}
}

func (s *Server) refuse(c transports.Conn, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.Send(ctx, wire.Control(wire.KindSessionClosed, reason))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.registry.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"active":   s.registry.Count(),
		"draining": s.registry.Draining(),
		"sessions": s.registry.Snapshot(),
	})
}
