package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDrainer struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (d *fakeDrainer) Drain() error {
	d.calls.Add(1)
	time.Sleep(d.delay)
	return d.err
}

func TestLifecycleRunnerDrainsThenStops(t *testing.T) {
	drainer := &fakeDrainer{}
	var order []string
	var banner bytes.Buffer
	r := NewLifecycleRunner(Options{
		Drainer: drainer,
		Hooks: Hooks{
			OnStart: func() { order = append(order, "start") },
			OnStop:  func() { order = append(order, "stop") },
		},
		Timeout: time.Second,
		Banner:  &banner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running state")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.State() != StateStopped || drainer.calls.Load() != 1 {
		t.Fatalf("expected stopped after one drain, state=%v drains=%d", r.State(), drainer.calls.Load())
	}
	if len(order) != 2 || order[0] != "start" || order[1] != "stop" {
		t.Fatalf("unexpected hook order %v", order)
	}
	if !strings.Contains(banner.String(), "Version: "+EngineVersion) {
		t.Fatalf("banner not written: %q", banner.String())
	}
	if err := r.Stop(); err != nil || drainer.calls.Load() != 1 {
		t.Fatalf("second stop must be a no-op, err=%v drains=%d", err, drainer.calls.Load())
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	r := NewLifecycleRunner(Options{Drainer: &fakeDrainer{delay: 200 * time.Millisecond}, Timeout: 20 * time.Millisecond})
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestLifecycleRunnerReportsDrainError(t *testing.T) {
	boom := errors.New("listener close failed")
	r := NewLifecycleRunner(Options{Drainer: &fakeDrainer{err: boom}, Timeout: time.Second})
	if err := r.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected drain error, got %v", err)
	}
}

func TestLifecycleRunnerRejectsSecondRun(t *testing.T) {
	r := NewLifecycleRunner(Options{Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("expected already started, got %v", err)
	}
}

func TestLifecycleRunnerStopEndsRun(t *testing.T) {
	r := NewLifecycleRunner(Options{Drainer: &fakeDrainer{}, Timeout: time.Second})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after stop")
	}
}

func TestLifecycleRunnerStopBeforeRun(t *testing.T) {
	drainer := &fakeDrainer{}
	started := false
	r := NewLifecycleRunner(Options{Drainer: drainer, Hooks: Hooks{OnStart: func() { started = true }}, Timeout: time.Second})
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run after stop should return the stop result, got %v", err)
	}
	if started || drainer.calls.Load() != 1 || r.State() != StateStopped {
		t.Fatalf("unexpected state started=%v drains=%d state=%s", started, drainer.calls.Load(), r.State())
	}
}
