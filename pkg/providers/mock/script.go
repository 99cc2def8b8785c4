package mock

import (
	"context"
	"sync"
	"time"
)

// Step scripts one call: after Delay the call returns Text or Err.
type Step struct {
	Text  string
	Err   error
	Delay time.Duration
}

type script struct {
	mu    sync.Mutex
	steps []Step
	def   Step
	calls int
}

// next returns the step for this call and whether it came from Steps.
func (s *script) next() (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.steps) {
		return s.steps[i], true
	}
	return s.def, false
}

func (s *script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
