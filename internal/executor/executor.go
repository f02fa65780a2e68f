// Package executor confines the management-API context to a single worker
// goroutine locked to its OS thread and marshals calls onto it.
//
// Calls are serialized: at most one op runs at a time. An op must not call
// back into the same Executor; that deadlocks.
package executor

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/turtacn/vboxhalt/internal/monitor"
	"github.com/turtacn/vboxhalt/internal/vmctx"
	"github.com/turtacn/vboxhalt/pkg/errors"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

// Factory creates the context owned by a worker. It runs on the worker.
type Factory func() (*vmctx.Context, error)

type pendingCall struct {
	run  func(*vmctx.Context)
	done chan struct{}
}

type worker struct {
	calls chan pendingCall
	quit  chan struct{}
	done  chan struct{}
}

// Executor owns the worker lifecycle, the hold count and the idle timer.
type Executor struct {
	factory Factory
	idle    time.Duration
	log     logger.Logger

	// callMu admits one caller at a time; it is always taken before mu.
	callMu sync.Mutex

	mu    sync.Mutex
	w     *worker
	holds int
	timer *time.Timer
	gen   uint64
}

// New returns a stopped Executor. The worker starts on first use and stops
// after idle without calls or holds; idle <= 0 keeps it running until Stop.
func New(factory Factory, idle time.Duration) *Executor {
	return &Executor{
		factory: factory,
		idle:    idle,
		log:     logger.Log.With("component", "executor"),
	}
}

// Running reports whether a worker currently owns a live context.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w != nil
}

// Holds returns the current hold count.
func (e *Executor) Holds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holds
}

// Acquire keeps the worker alive across calls until the matching Release.
// Holds nest.
func (e *Executor) Acquire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holds++
	e.cancelIdleLocked()
	if _, err := e.startLocked(); err != nil {
		e.log.Error("Failed to start worker", "err", err)
	}
}

// Release drops one hold. The outermost Release arms the idle timer.
// Releasing without a hold is a no-op.
func (e *Executor) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holds == 0 {
		e.log.Debug("Release without hold ignored")
		return
	}
	e.holds--
	if e.holds == 0 {
		e.armIdleLocked()
	}
}

// Call runs op on the worker with the live context and waits for it.
// A failed start, an op error or a panic is logged and reported as false.
func Call[T any](e *Executor, op func(*vmctx.Context) (T, error)) (T, bool) {
	var zero T

	e.callMu.Lock()
	defer e.callMu.Unlock()

	e.mu.Lock()
	e.cancelIdleLocked()
	w, err := e.startLocked()
	e.mu.Unlock()
	if err != nil {
		e.log.Error("Failed to start worker", "err", err)
		monitor.ExecutorCalls.WithLabelValues("failed").Inc()
		return zero, false
	}

	var (
		res   T
		opErr error
	)
	pc := pendingCall{done: make(chan struct{})}
	pc.run = func(c *vmctx.Context) {
		defer func() {
			if r := recover(); r != nil {
				opErr = errors.New(errors.ErrCodeUnknown, "Call", fmt.Sprintf("panic: %v", r), nil)
				e.log.Error("Recovered panic on worker", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		res, opErr = op(c)
	}
	w.calls <- pc
	<-pc.done

	e.mu.Lock()
	if e.holds == 0 {
		e.armIdleLocked()
	}
	e.mu.Unlock()

	if opErr != nil {
		if errors.HasCode(opErr, errors.ErrCodeReentrancy) {
			e.log.Error("Recursion detected", "err", opErr)
		} else {
			e.log.Error("Call failed", "err", opErr)
		}
		monitor.ExecutorCalls.WithLabelValues("failed").Inc()
		return zero, false
	}
	monitor.ExecutorCalls.WithLabelValues("ok").Inc()
	return res, true
}

// Stop finishes any in-flight call, stops the worker and releases its
// context. It is safe to call repeatedly; a later Call starts a new worker.
func (e *Executor) Stop() {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelIdleLocked()
	e.stopLocked()
}

// startLocked returns the live worker, starting one if needed.
func (e *Executor) startLocked() (*worker, error) {
	if e.w != nil {
		return e.w, nil
	}
	w := &worker{
		calls: make(chan pendingCall),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	ready := make(chan error, 1)
	go e.loop(w, ready)
	if err := <-ready; err != nil {
		<-w.done
		return nil, errors.New(errors.ErrCodeWorkerStart, "Start", "cannot create context", err)
	}
	e.w = w
	e.log.Debug("Worker started")
	return w, nil
}

func (e *Executor) stopLocked() {
	if e.w == nil {
		return
	}
	w := e.w
	e.w = nil
	close(w.quit)
	<-w.done
	e.log.Debug("Worker stopped")
	runtime.GC()
}

func (e *Executor) loop(w *worker, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	c, err := e.create()
	if err != nil {
		ready <- err
		return
	}
	monitor.ContextLifecycle.WithLabelValues("created").Inc()
	ready <- nil

	for {
		select {
		case pc := <-w.calls:
			pc.run(c)
			close(pc.done)
		case <-w.quit:
			e.release(c)
			monitor.ContextLifecycle.WithLabelValues("released").Inc()
			return
		}
	}
}

func (e *Executor) create() (c *vmctx.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("context factory panicked: %v", r)
		}
	}()
	c, err = e.factory()
	if err == nil && c == nil {
		err = fmt.Errorf("context factory returned nil")
	}
	return c, err
}

// release deinitializes c. A panic in the native release is logged so the
// worker still exits and signals done.
func (e *Executor) release(c *vmctx.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Recovered panic releasing context", "panic", r)
		}
	}()
	c.Deinit()
}

func (e *Executor) armIdleLocked() {
	if e.w == nil || e.idle <= 0 {
		return
	}
	e.cancelIdleLocked()
	gen := e.gen
	e.timer = time.AfterFunc(e.idle, func() { e.onIdle(gen) })
}

func (e *Executor) cancelIdleLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// onIdle stops the worker unless the timer that fired has been superseded.
func (e *Executor) onIdle(gen uint64) {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.holds > 0 {
		return
	}
	e.timer = nil
	e.log.Debug("Idle timeout, stopping worker")
	e.stopLocked()
}

// Personal.AI order the ending
