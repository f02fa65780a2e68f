package orchestrator

import (
	"context"
	"fmt"

	"github.com/turtacn/vboxhalt/internal/vmctx"
)

// EventKind enumerates what the engine loop reacts to.
type EventKind int

const (
	// EventQueryEndSession asks whether the session may end now.
	EventQueryEndSession EventKind = iota + 1
	// EventEndSession reports that the session is ending regardless.
	EventEndSession
	// EventClose asks the daemon to stop all machines and exit.
	EventClose
	// EventStopAsync is posted by the engine itself after a vetoed query.
	EventStopAsync
	// EventStopMachine stops one machine.
	EventStopMachine
)

func (k EventKind) String() string {
	switch k {
	case EventQueryEndSession:
		return "QueryEndSession"
	case EventEndSession:
		return "EndSession"
	case EventClose:
		return "Close"
	case EventStopAsync:
		return "StopAsync"
	case EventStopMachine:
		return "StopMachine"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one message for the engine loop. Ack, when set, is called once
// the event has been fully handled; for a query it means the shutdown may
// proceed.
type Event struct {
	Kind    EventKind
	Machine vmctx.Snapshot
	Ack     func()
}

func (ev Event) ack() {
	if ev.Ack != nil {
		ev.Ack()
	}
}

// Source feeds events into the engine until ctx ends.
type Source interface {
	Name() string
	Start(ctx context.Context, post func(Event) bool) error
}

// Personal.AI order the ending
