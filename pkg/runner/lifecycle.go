package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDrainTimeout = errors.New("drain timeout")
	ErrAlreadyRun   = errors.New("runner already started")
)

// Options configures a LifecycleRunner. A nil Banner skips the banner.
type Options struct {
	Drainer Drainer
	Hooks   Hooks
	Timeout time.Duration
	Banner  io.Writer
	Logger  *slog.Logger
}

// LifecycleRunner moves a server through new, running, draining and
// stopped. Stop may be called from any goroutine, before or during Run.
type LifecycleRunner struct {
	state    int32
	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	opts     Options
	logger   *slog.Logger
	stopErr  error
}

func NewLifecycleRunner(opts Options) *LifecycleRunner {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:  int32(StateNew),
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		logger: logger,
	}
}

// Run blocks until ctx ends or Stop is called, then drains. A runner that
// was stopped before Run returns the stop result without starting.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: state %s", ErrAlreadyRun, r.State())
	}
	if !r.casState(StateNew, StateStarting) {
		return r.stop()
	}
	PrintBanner(r.opts.Banner)
	if ctx == nil {
		ctx = context.Background()
	}
	if r.opts.Hooks.OnStart != nil {
		r.opts.Hooks.OnStart()
	}
	// Stop may have won the race while OnStart ran.
	if !r.casState(StateStarting, StateRunning) {
		return r.stop()
	}
	r.logger.Debug("runner_state", slog.String("state", StateRunning.String()))
	select {
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		r.logger.Debug("runner_state", slog.String("state", StateDraining.String()))
		start := time.Now()
		if r.opts.Drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.opts.Drainer.Drain() }()
			select {
			case err := <-done:
				if err != nil {
					r.stopErr = fmt.Errorf("drain: %w", err)
				}
			case <-time.After(r.opts.Timeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.stopErr != nil {
			r.logger.Warn("runner_drain_failed", slog.String("error", r.stopErr.Error()), slog.Duration("elapsed", time.Since(start)))
		}
		if r.opts.Hooks.OnStop != nil {
			r.opts.Hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
