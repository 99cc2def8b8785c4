package vocalis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/vocalis/pkg/configutil"
	"github.com/harunnryd/vocalis/pkg/metrics"
	"github.com/harunnryd/vocalis/pkg/observers"
	"github.com/harunnryd/vocalis/pkg/redact"
	"github.com/harunnryd/vocalis/pkg/runner"
	"github.com/harunnryd/vocalis/pkg/server"
	"github.com/harunnryd/vocalis/pkg/session"
	"github.com/harunnryd/vocalis/pkg/transports"
	"github.com/harunnryd/vocalis/pkg/transports/twilio"
	"github.com/harunnryd/vocalis/pkg/transports/ws"
)

type EngineOptions struct {
	Config Config
	// Providers defaults to a registry holding the built-in vendors.
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Banner receives the startup banner; nil skips it.
	Banner io.Writer
	// OnResult, if set, sees every processed utterance of every session.
	OnResult func(sessionID string, r session.Result)
}

// Engine wires configuration, vendors, observers and transports into a
// session server and runs it under a lifecycle runner.
type Engine struct {
	cfg          Config
	providers    *ProviderRegistry
	server       *server.Server
	runner       *runner.LifecycleRunner
	asyncObs     *metrics.AsyncObserver
	closers      []func() error
	shutdownOTel func(context.Context) error
	dialer       *twilio.Dialer
	logger       *slog.Logger
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterBuiltinProviders(providers)
	}

	logger.Info("vocalis_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"websocket", cfg.Transports.Websocket.Enabled,
		"twilio", cfg.Transports.Twilio.Enabled,
		"session_format", cfg.SessionConfig().Format.String(),
	)

	// Surface vendor settings errors at startup.
	if _, err := providers.BuildServices(cfg, metrics.NoopObserver{}); err != nil {
		return nil, fmt.Errorf("build services: %w", err)
	}

	e := &Engine{cfg: cfg, providers: providers, logger: logger}
	obs, err := e.buildObservers()
	if err != nil {
		e.closeObservers()
		return nil, err
	}

	e.server = server.New(server.Options{
		Config:  cfg.Server,
		Session: cfg.SessionConfig(),
		Services: func(sessionID string) (session.Services, error) {
			return providers.BuildServices(cfg, metrics.WithTags(obs, map[string]string{"session_id": sessionID}))
		},
		Observer: obs,
		Logger:   logger,
		OnResult: opts.OnResult,
	})
	if err := e.mountTransports(); err != nil {
		e.closeObservers()
		return nil, err
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Vocalis Engine Ready"}
			for k, v := range e.server.ReadyFields() {
				fields = append(fields, k, v)
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			e.closeObservers()
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", e.server.Registry().Count())
		},
	}
	timeout := ms(cfg.Server.ShutdownTimeoutMS) + 5*time.Second
	e.runner = runner.NewLifecycleRunner(runner.Options{
		Drainer: e.server,
		Hooks:   hooks,
		Timeout: timeout,
		Banner:  opts.Banner,
		Logger:  logger,
	})
	return e, nil
}

func (e *Engine) buildObservers() (metrics.Observer, error) {
	cfg := e.cfg.Observability
	obsList := []metrics.Observer{
		observers.NewLatencyObserver(e.logger),
		observers.NewLoggerObserver(e.logger),
	}
	if cfg.OTelEnabled {
		shutdown, err := metrics.InitProvider(context.Background(), metrics.ProviderConfig{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: runner.EngineVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		e.shutdownOTel = shutdown
		otelObs, err := metrics.NewOTelObserver(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		obsList = append(obsList, otelObs)
	}
	if dir := cfg.ArtifactsDir; dir != "" {
		if cfg.RetentionDays > 0 {
			removed, err := observers.PurgeArtifacts(dir, time.Duration(cfg.RetentionDays)*24*time.Hour)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if removed > 0 {
				e.logger.Info("artifacts_purged", "dir", dir, "removed", removed)
			}
		}
		timeline := observers.NewTimelineObserver(dir)
		usage := observers.NewUsageObserver(dir)
		obsList = append(obsList, timeline, usage)
		e.closers = append(e.closers, timeline.Close, usage.Close)
	}
	if path := cfg.EventsPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		obsList = append(obsList, metrics.NewSamplingObserver(metrics.NewJSONLObserver(f), cfg.EventsSampleRate))
		e.closers = append(e.closers, f.Close)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.AsyncBuffer)
	return e.asyncObs, nil
}

// closeObservers flushes queued events before closing their sinks.
func (e *Engine) closeObservers() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
		e.asyncObs.Wait()
		if n := e.asyncObs.Dropped(); n > 0 {
			e.logger.Warn("metrics_events_dropped", "count", n)
		}
	}
	for _, closeFn := range e.closers {
		if err := closeFn(); err != nil {
			e.logger.Warn("observer_close_failed", "error", err)
		}
	}
	e.closers = nil
	if e.shutdownOTel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.shutdownOTel(ctx); err != nil {
			e.logger.Warn("telemetry_shutdown_failed", "error", err)
		}
		e.shutdownOTel = nil
	}
}

func (e *Engine) mountTransports() error {
	if e.cfg.Transports.Websocket.Enabled {
		wsCfg, err := websocketConfig(e.cfg.Transports.Websocket.Settings)
		if err != nil {
			return err
		}
		e.server.Mount(ws.New(wsCfg, e.handlerFor("websocket"), e.logger))
	}
	if e.cfg.Transports.Twilio.Enabled {
		twCfg, err := twilioConfig(e.cfg.Transports.Twilio.Settings)
		if err != nil {
			return err
		}
		e.server.Mount(twilio.New(twCfg, e.handlerFor("twilio"), e.logger))
		e.dialer = twilio.NewDialer(twCfg)
	}
	return nil
}

// handlerFor returns the server's handler for a transport, behind the
// simulated lossy network when that debug mode is on.
func (e *Engine) handlerFor(name string) transports.Handler {
	h := e.server.HandlerFor(name)
	if !e.cfg.Debug.SimulateBadNet {
		return h
	}
	every := e.cfg.Debug.DropEvery
	return transports.HandlerFunc(func(ctx context.Context, c transports.Conn) {
		h.ServeConn(ctx, newLossyConn(c, every, e.logger))
	})
}

func websocketConfig(settings map[string]any) (ws.Config, error) {
	var cfg ws.Config
	if err := configutil.Decode("transports.websocket.settings", settings, configutil.Schema{
		Optional: []string{"path", "allow_any_origin", "allowed_origins", "read_limit", "ping_interval_ms", "write_timeout_ms", "send_buffer"},
	}, &cfg); err != nil {
		return ws.Config{}, err
	}
	return cfg, nil
}

// TwilioSettings decodes and validates the Twilio transport settings.
func (c Config) TwilioSettings() (twilio.Config, error) {
	return twilioConfig(c.Transports.Twilio.Settings)
}

func twilioConfig(settings map[string]any) (twilio.Config, error) {
	var cfg twilio.Config
	if err := configutil.Decode("transports.twilio.settings", settings, configutil.Schema{
		Required: []string{"account_sid", "auth_token"},
		Optional: []string{"public_url", "server_addr", "voice_path", "ws_path", "status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins", "start_timeout_ms"},
	}, &cfg); err != nil {
		return twilio.Config{}, err
	}
	return cfg, nil
}

// Run binds the listener, serves until ctx ends, then drains sessions and
// closes observers.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.server.Listen(); err != nil {
		e.closeObservers()
		return fmt.Errorf("listen: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.server.Run(gctx)
	})
	g.Go(func() error {
		// Stop ends the runner without cancelling ctx; release the server too.
		defer cancel()
		return e.runner.Run(gctx)
	})
	return g.Wait()
}

// Dial places an outbound phone call answered by this engine's Twilio
// transport and returns the call SID.
func (e *Engine) Dial(ctx context.Context, to, from string, opts twilio.DialOptions) (string, error) {
	if e.dialer == nil {
		return "", errors.New("twilio transport not enabled")
	}
	return e.dialer.Dial(ctx, to, from, opts)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Server() *server.Server {
	return e.server
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}
