package session

import (
	"errors"
	"testing"
)

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := newStateMachine()
	err := sm.Transition(StateStreaming, "u1", "skip ahead")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StateIdle || invalid.To != StateStreaming {
		t.Fatalf("unexpected error fields %+v", invalid)
	}
	if sm.State() != StateIdle {
		t.Fatalf("state changed on invalid transition")
	}
}

func TestStateMachineClosedIsTerminal(t *testing.T) {
	sm := newStateMachine()
	for _, s := range []State{StateTranscribing, StateClosed} {
		if err := sm.Transition(s, "", "test"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	for _, s := range []State{StateIdle, StateTranscribing, StateError} {
		if err := sm.Transition(s, "", "test"); err == nil {
			t.Fatalf("transition out of CLOSED to %s should fail", s)
		}
	}
}

func TestStateMachineNotifiesListeners(t *testing.T) {
	sm := newStateMachine()
	var got []StateChange
	sm.AddListener(StateListenerFunc(func(ev StateChange) { got = append(got, ev) }))
	_ = sm.Transition(StateTranscribing, "u1", "utterance_dequeued")
	_ = sm.Transition(StateError, "u1", "stt_timeout")
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].FromState != StateTranscribing || got[1].ToState != StateError || got[1].Reason != "stt_timeout" {
		t.Fatalf("unexpected event %+v", got[1])
	}
}

func TestEveryWorkingStateCanFailAndClose(t *testing.T) {
	for _, s := range []State{StateTranscribing, StateGenerating, StateSynthesizing, StateStreaming} {
		if !transitionValid(s, StateError) || !transitionValid(s, StateClosed) {
			t.Fatalf("%s must allow ERROR and CLOSED", s)
		}
	}
}
