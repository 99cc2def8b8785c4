package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run on the runner goroutine. OnStop runs once, after draining.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer stops accepting sessions and waits for live ones to close.
type Drainer interface {
	Drain() error
}

const EngineVersion = "dev"

// PrintBanner writes the startup banner to w. A nil writer prints nothing.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"VOCALIS\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(w, true, true, bytes.NewBufferString(tpl))
}
