package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/vocalis/pkg/session"
)

var (
	ErrDraining         = errors.New("server is draining")
	ErrDuplicateSession = errors.New("session id already registered")
)

// Entry is one live session and the handle to cancel it.
type Entry struct {
	ID        string
	Transport string
	Session   *session.Session
	Cancel    context.CancelFunc
	Created   time.Time
}

// SessionRegistry tracks live sessions so the server can report on them and
// cancel them on shutdown. It holds no pipeline state of its own.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// Add registers a session. It fails while draining or when the id is taken.
func (r *SessionRegistry) Add(e *Entry) error {
	if r.draining.Load() {
		return ErrDraining
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	if _, loaded := r.sessions.LoadOrStore(e.ID, e); loaded {
		return ErrDuplicateSession
	}
	r.count.Add(1)
	return nil
}

func (r *SessionRegistry) Get(id string) (*Entry, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Entry), true
	}
	return nil, false
}

// Remove forgets a session and cancels it if it is still running.
func (r *SessionRegistry) Remove(id string) {
	if v, ok := r.sessions.LoadAndDelete(id); ok {
		e := v.(*Entry)
		if e.Cancel != nil {
			e.Cancel()
		}
		r.count.Add(-1)
	}
}

// CloseAll cancels every live session. Entries are removed by their own
// handlers once the sessions have finished.
func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(_, value any) bool {
		if e, ok := value.(*Entry); ok && e.Cancel != nil {
			e.Cancel()
		}
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty polls until no sessions remain or ctx ends.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// SessionInfo is the reportable view of one session.
type SessionInfo struct {
	ID             string `json:"id"`
	Transport      string `json:"transport"`
	State          string `json:"state"`
	AgeMS          int64  `json:"age_ms"`
	FramesIn       int64  `json:"frames_in"`
	FramesRejected int64  `json:"frames_rejected"`
	Dropped        int64  `json:"dropped"`
	Queued         int    `json:"queued"`
}

// Snapshot lists live sessions, oldest first.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	var out []SessionInfo
	now := time.Now()
	r.sessions.Range(func(_, value any) bool {
		e := value.(*Entry)
		info := SessionInfo{ID: e.ID, Transport: e.Transport, AgeMS: now.Sub(e.Created).Milliseconds()}
		if e.Session != nil {
			st := e.Session.Stats()
			info.State = st.State.String()
			info.FramesIn = st.FramesIn
			info.FramesRejected = st.FramesRejected
			info.Dropped = st.Dropped
			info.Queued = st.Queued
		}
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgeMS > out[j].AgeMS })
	return out
}
