package session

import (
	"sync"
	"time"
)

// State is the coordinator's position in the per-utterance pipeline.
type State int

const (
	StateIdle State = iota
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StateStreaming
	StateError
	StateClosed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateGenerating:
		return "GENERATING"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StateStreaming:
		return "STREAMING"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateIdle:         {StateTranscribing, StateClosed},
	StateTranscribing: {StateGenerating, StateError, StateClosed},
	StateGenerating:   {StateSynthesizing, StateError, StateClosed},
	StateSynthesizing: {StateStreaming, StateError, StateClosed},
	StateStreaming:    {StateIdle, StateError, StateClosed},
	StateError:        {StateIdle, StateClosed},
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState   State
	ToState     State
	Timestamp   time.Time
	UtteranceID string
	Reason      string
}

// StateListener observes coordinator state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(event StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine tracks one coordinator's state. Listeners are called outside
// the lock, in transition order, from the coordinator goroutine.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	since     time.Time
	listeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateIdle, since: time.Now()}
}

func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Since returns when the current state was entered.
func (sm *stateMachine) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.since
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (sm *stateMachine) Transition(to State, utteranceID, reason string) error {
	sm.mu.Lock()
	from := sm.current
	if !transitionValid(from, to) {
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	now := time.Now()
	sm.current = to
	sm.since = now
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	event := StateChange{
		FromState:   from,
		ToState:     to,
		Timestamp:   now,
		UtteranceID: utteranceID,
		Reason:      reason,
	}
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(l StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, l)
}
