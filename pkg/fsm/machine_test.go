package fsm

import (
	"fmt"
	"testing"
	"time"
)

func TestStateMachine_NestedFire(t *testing.T) {
	sm := New(State("IDLE"))

	sm.AddTransition(State("IDLE"), State("DRAINING"), Event("query"), func(event Event, args ...interface{}) error {
		return sm.Fire(Event("drained"))
	})
	sm.AddTransition(State("DRAINING"), State("IDLE"), Event("drained"), nil)

	done := make(chan error, 1)
	go func() {
		done <- sm.Fire(Event("query"))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Fire failed: %v", err)
		}
		if sm.Current() != State("IDLE") {
			t.Errorf("Expected state IDLE, got %s", sm.Current())
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Deadlock detected: Fire did not return within 1 second")
	}
}

func TestStateMachine_Basic(t *testing.T) {
	sm := New(State("IDLE"))
	sm.AddTransition(State("IDLE"), State("CLOSED"), Event("close"), nil)

	if sm.Current() != State("IDLE") {
		t.Errorf("Expected IDLE, got %s", sm.Current())
	}
	if !sm.Can(Event("close")) {
		t.Error("Expected close to be allowed from IDLE")
	}

	if err := sm.Fire(Event("close")); err != nil {
		t.Fatal(err)
	}

	if sm.Current() != State("CLOSED") {
		t.Errorf("Expected CLOSED, got %s", sm.Current())
	}
	if sm.Can(Event("close")) {
		t.Error("Expected close to be rejected from CLOSED")
	}
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	sm := New(State("IDLE"))
	if err := sm.Fire(Event("unknown")); err == nil {
		t.Fatal("Expected error for unknown event")
	}
	if sm.Current() != State("IDLE") {
		t.Errorf("Invalid event must not change state, got %s", sm.Current())
	}
}

func TestStateMachine_HandlerError(t *testing.T) {
	sm := New(State("A"))
	sm.AddTransition(State("A"), State("B"), Event("go"), func(event Event, args ...interface{}) error {
		return fmt.Errorf("handler failed")
	})

	err := sm.Fire(Event("go"))
	if err == nil || err.Error() != "handler failed" {
		t.Fatalf("Expected handler failed error, got %v", err)
	}

	if sm.Current() != State("B") {
		t.Errorf("Expected state B even if handler failed, got %s", sm.Current())
	}
}

func TestStateMachine_HandlerSeesNewStateAndArgs(t *testing.T) {
	sm := New(State("A"))
	var stateInHandler State
	var argInHandler interface{}
	sm.AddTransition(State("A"), State("B"), Event("go"), func(event Event, args ...interface{}) error {
		stateInHandler = sm.Current()
		if len(args) > 0 {
			argInHandler = args[0]
		}
		return nil
	})

	sm.Fire(Event("go"), "vm1")
	if stateInHandler != State("B") {
		t.Errorf("Expected handler to see state B, saw %s", stateInHandler)
	}
	if argInHandler != "vm1" {
		t.Errorf("Expected handler arg vm1, got %v", argInHandler)
	}
}
