package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/vboxhalt/internal/blocker"
	"github.com/turtacn/vboxhalt/internal/executor"
	"github.com/turtacn/vboxhalt/internal/monitor"
	"github.com/turtacn/vboxhalt/internal/vmctx"
	"github.com/turtacn/vboxhalt/pkg/consts"
	"github.com/turtacn/vboxhalt/pkg/errors"
	"github.com/turtacn/vboxhalt/pkg/fsm"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

const (
	evQuery   fsm.Event = "query"
	evDrained fsm.Event = "drained"
	evClose   fsm.Event = "close"
)

// Engine is the daemon's event loop. All events are handled on the
// goroutine running Run; management calls go through the executor.
type Engine struct {
	exec    *executor.Executor
	blocker *blocker.Blocker
	fsm     *fsm.StateMachine
	sources []Source
	log     logger.Logger

	events chan Event
	quit   chan struct{}
	// postMu is held shared by Post; release takes it exclusively so no
	// send lands after the final drain.
	postMu sync.RWMutex
	// queue holds events the loop posted to itself; they run before new input.
	queue []Event
}

func NewEngine(exec *executor.Executor, blk *blocker.Blocker) *Engine {
	e := &Engine{
		exec:    exec,
		blocker: blk,
		fsm:     fsm.New(fsm.State(consts.EngineIdle)),
		log:     logger.Log.With("component", "orchestrator"),
		events:  make(chan Event, 16),
		quit:    make(chan struct{}),
	}
	e.setupFSM()
	return e
}

func (e *Engine) setupFSM() {
	idle := fsm.State(consts.EngineIdle)
	draining := fsm.State(consts.EngineDraining)
	closed := fsm.State(consts.EngineClosed)

	// Vetoed query until the stop run finishes
	e.fsm.AddTransition(idle, draining, evQuery, nil)
	e.fsm.AddTransition(draining, idle, evDrained, nil)

	e.fsm.AddTransition(idle, closed, evClose, nil)
	e.fsm.AddTransition(draining, closed, evClose, nil)
}

// State returns the current engine phase.
func (e *Engine) State() consts.EngineState {
	return consts.EngineState(e.fsm.Current())
}

// Stop releases the executor. It is meant for one-shot use without Run.
func (e *Engine) Stop() {
	e.exec.Stop()
}

// AddSource registers an event source started by Run.
func (e *Engine) AddSource(s Source) {
	e.sources = append(e.sources, s)
}

// Post hands an event to the loop. It returns false once the loop has exited.
func (e *Engine) Post(ev Event) bool {
	e.postMu.RLock()
	defer e.postMu.RUnlock()
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.events <- ev:
		return true
	case <-e.quit:
		return false
	}
}

// Run starts the sources and handles events until a close event or ctx
// ends. The executor is stopped on return. Run may only be called once.
func (e *Engine) Run(ctx context.Context) error {
	defer e.exec.Stop()
	defer e.release()

	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, s := range e.sources {
		if err := s.Start(srcCtx, e.Post); err != nil {
			e.log.Warn("Event source unavailable", "source", s.Name(), "err", err)
			continue
		}
		e.log.Info("Event source started", "source", s.Name())
	}

	for {
		var ev Event
		if len(e.queue) > 0 {
			ev, e.queue = e.queue[0], e.queue[1:]
		} else {
			select {
			case <-ctx.Done():
				e.log.Info("Event loop cancelled")
				return ctx.Err()
			case ev = <-e.events:
			}
		}
		if e.dispatch(ev) {
			return nil
		}
	}
}

// release stops accepting events and acknowledges everything left unhandled
// so no source keeps a shutdown waiting on a dead loop.
func (e *Engine) release() {
	close(e.quit)
	// Wait out posts that passed the quit check before it closed.
	e.postMu.Lock()
	left := e.queue
	e.queue = nil
	for drained := false; !drained; {
		select {
		case ev := <-e.events:
			left = append(left, ev)
		default:
			drained = true
		}
	}
	e.postMu.Unlock()

	for _, ev := range left {
		ev.ack()
	}
}

// dispatch handles one event and reports whether the loop must exit.
func (e *Engine) dispatch(ev Event) bool {
	e.log.Debug("Event", "kind", ev.Kind, "state", e.State())
	switch ev.Kind {
	case EventQueryEndSession:
		e.onQueryEndSession(ev)
	case EventStopAsync:
		e.onStopAsync(ev)
	case EventEndSession, EventClose:
		e.onClose(ev)
		return true
	case EventStopMachine:
		e.StopMachine(ev.Machine)
		ev.ack()
	default:
		e.log.Warn("Unknown event ignored", "kind", ev.Kind)
		ev.ack()
	}
	return false
}

// onQueryEndSession lets the session end at once when nothing runs.
// Otherwise it holds the veto and queues the stop run, which acknowledges
// the query when done.
func (e *Engine) onQueryEndSession(ev Event) {
	running, ok := executor.Call(e.exec, runningMachines)
	if !ok || len(running) == 0 {
		ev.ack()
		return
	}
	e.log.Info("Session end requested with running machines", "count", len(running))
	e.blocker.Enable()
	if err := e.fsm.Fire(evQuery); err != nil {
		e.log.Warn("Unexpected phase for query", "err", err)
	}
	e.queue = append(e.queue, Event{Kind: EventStopAsync, Ack: ev.Ack})
}

func (e *Engine) onStopAsync(ev Event) {
	e.StopAll()
	e.blocker.Disable()
	ev.ack()
	if e.fsm.Can(evDrained) {
		e.fsm.Fire(evDrained)
	}
}

func (e *Engine) onClose(ev Event) {
	e.log.Info("Closing", "event", ev.Kind)
	e.StopAll()
	if err := e.fsm.Fire(evClose); err != nil {
		e.log.Warn("Unexpected phase for close", "err", err)
	}
	ev.ack()
}

func runningMachines(c *vmctx.Context) ([]vmctx.Snapshot, error) {
	return c.MachinesRunning(), nil
}

func allMachines(c *vmctx.Context) ([]vmctx.Snapshot, error) {
	return c.Machines(), nil
}

// ListMachines returns every accessible machine.
func (e *Engine) ListMachines() ([]vmctx.Snapshot, bool) {
	return executor.Call(e.exec, allMachines)
}

// FindMachine resolves ref as a list index first, then as a machine name.
func (e *Engine) FindMachine(ref string) (vmctx.Snapshot, error) {
	ms, ok := e.ListMachines()
	if !ok {
		return vmctx.Snapshot{}, errors.New(errors.ErrCodeAPIUnavailable, "FindMachine", "cannot list machines", nil)
	}
	if i, err := strconv.Atoi(ref); err == nil {
		for _, s := range ms {
			if s.Index == i {
				return s, nil
			}
		}
	}
	for _, s := range ms {
		if s.Name == ref {
			return s, nil
		}
	}
	return vmctx.Snapshot{}, errors.New(errors.ErrCodeMachineNotFound, "FindMachine", "no machine "+strconv.Quote(ref), nil)
}

// StopMachine powers s off through ACPI and falls back to saving its state.
// The worker is held for the whole sequence.
func (e *Engine) StopMachine(s vmctx.Snapshot) MachineResult {
	e.exec.Acquire()
	defer e.exec.Release()

	e.log.Info("Checking for machine", "machine", s.Name, "state", s.State)
	res := MachineResult{Machine: s}

	stopped, _ := executor.Call(e.exec, func(c *vmctx.Context) (bool, error) {
		return c.ShutdownMachine(s)
	})
	monitor.StopAttempts.WithLabelValues("shutdown", result(stopped)).Inc()
	if stopped {
		res.Outcome = OutcomeShutdown
		return res
	}

	saved, _ := executor.Call(e.exec, func(c *vmctx.Context) (bool, error) {
		return c.SaveMachine(s)
	})
	monitor.StopAttempts.WithLabelValues("save", result(saved)).Inc()
	if saved {
		res.Outcome = OutcomeSaved
		return res
	}
	res.Outcome = OutcomeFailed
	res.Err = errors.New(errors.ErrCodeTimeout, "StopMachine", "machine neither shut down nor saved", nil)
	return res
}

// StopAll stops every running machine with the veto held for the whole run.
func (e *Engine) StopAll() *Report {
	rep := &Report{RunID: uuid.NewString()}
	log := e.log.With("run", rep.RunID)

	running, ok := executor.Call(e.exec, runningMachines)
	if !ok || len(running) == 0 {
		log.Debug("No running machines")
		return rep
	}

	start := time.Now()
	e.blocker.Enable()
	defer e.blocker.Disable()

	// The list may have changed while the veto was being registered.
	if again, ok := executor.Call(e.exec, runningMachines); ok {
		running = again
	}
	log.Info("Stopping machines", "count", len(running))
	for _, s := range running {
		rep.add(e.StopMachine(s))
	}

	monitor.StopAllDuration.Observe(time.Since(start).Seconds())
	if err := rep.Err(); err != nil {
		log.Error("Stop run finished with failures", "failed", rep.Failed(), "err", err)
	} else {
		log.Info("Stop run finished", "machines", len(rep.Results))
	}
	return rep
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// Personal.AI order the ending
