// Package vmctx holds the management-API context and the per-machine
// shutdown and save-state protocols.
//
// A Context must only be used from the goroutine that owns it; see the
// executor package.
package vmctx

import (
	"fmt"
	"time"

	"github.com/turtacn/vboxhalt/internal/vbox"
	"github.com/turtacn/vboxhalt/pkg/consts"
	"github.com/turtacn/vboxhalt/pkg/errors"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

// Snapshot is a point-in-time copy of a machine, safe to pass between goroutines.
// Index is the machine's position in the API list at enumeration time.
type Snapshot struct {
	Index int
	Name  string
	State consts.MachineState
}

func (s Snapshot) String() string {
	return fmt.Sprintf("[%s] %s", s.State, s.Name)
}

// Context owns one management-API connection.
type Context struct {
	api      vbox.API
	guard    RecursionGuard
	attempts int
	interval time.Duration
	sleep    func(time.Duration)
	log      logger.Logger
	closed   bool
}

type Option func(*Context)

// WithAttempts sets the iteration bound of the shutdown and save loops.
func WithAttempts(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithPollInterval sets the pause between loop iterations.
func WithPollInterval(d time.Duration) Option {
	return func(c *Context) { c.interval = d }
}

// WithSleep replaces time.Sleep between loop iterations.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Context) { c.sleep = fn }
}

// New wraps an open API connection.
func New(api vbox.API, opts ...Option) *Context {
	c := &Context{
		api:      api,
		attempts: consts.DefaultAttempts,
		interval: consts.DefaultPollInterval,
		sleep:    time.Sleep,
		log:      logger.Log.With("component", "vmctx"),
	}
	for _, o := range opts {
		o(c)
	}
	c.log.Debug("Context initialized")
	return c
}

// Open connects through connect and wraps the connection.
func Open(connect vbox.Connector, opts ...Option) (*Context, error) {
	api, err := connect()
	if err != nil {
		return nil, errors.New(errors.ErrCodeAPIUnavailable, "Open", "management API unavailable", err)
	}
	return New(api, opts...), nil
}

// Deinit releases the connection. Later calls are no-ops.
func (c *Context) Deinit() {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.api.Close(); err != nil {
		c.log.Error("Failed to close management API", "err", err)
	}
	c.log.Debug("Context released")
}

// Machines enumerates all registered machines. A machine whose metadata
// cannot be read is skipped but keeps its index slot.
func (c *Context) Machines() []Snapshot {
	ms, err := c.api.Machines()
	if err != nil {
		c.log.Error("Failed to enumerate machines", "err", err)
		return nil
	}
	res := make([]Snapshot, 0, len(ms))
	for i, m := range ms {
		name, err := m.Name()
		if err != nil {
			// f.e. the machine folder lives on a detached drive
			c.log.Debug("Skipping inaccessible machine", "index", i, "err", err)
			continue
		}
		st, err := m.State()
		if err != nil {
			c.log.Debug("Skipping machine with unreadable state", "index", i, "machine", name, "err", err)
			continue
		}
		res = append(res, Snapshot{Index: i, Name: name, State: st})
	}
	return res
}

// MachinesRunning returns the machines that are not in an off state.
func (c *Context) MachinesRunning() []Snapshot {
	all := c.Machines()
	res := make([]Snapshot, 0, len(all))
	for _, s := range all {
		if !s.State.IsOff() {
			res = append(res, s)
		}
	}
	return res
}

// resolve re-reads the live handle for a possibly stale snapshot.
func (c *Context) resolve(s Snapshot, op string) (vbox.Machine, string, error) {
	ms, err := c.api.Machines()
	if err != nil {
		return nil, "", errors.New(errors.ErrCodeAPIUnavailable, op, "cannot enumerate machines", err)
	}
	if s.Index < 0 || s.Index >= len(ms) {
		return nil, "", errors.New(errors.ErrCodeMachineNotFound, op, fmt.Sprintf("no machine at index %d", s.Index), nil)
	}
	m := ms[s.Index]
	name, err := m.Name()
	if err != nil {
		return nil, "", errors.New(errors.ErrCodeMachineNotFound, op, "cannot read machine name", err)
	}
	if name != s.Name {
		c.log.Warn("Machine list changed since enumeration", "index", s.Index, "expected", s.Name, "found", name)
	}
	return m, name, nil
}

// ShutdownMachine presses the ACPI power button until the machine reaches an
// off state, resuming it first if paused. It returns false when the machine
// did not stop within the attempt bound or the API failed; the only error
// returned is a reentrancy fault.
func (c *Context) ShutdownMachine(s Snapshot) (bool, error) {
	err := c.guard.Enter()
	defer c.guard.Exit()
	if err != nil {
		return false, err
	}

	m, name, err := c.resolve(s, "ShutdownMachine")
	if err != nil {
		c.log.Error("Failed to access machine member", "machine", s.Name, "err", err)
		return false, nil
	}
	log := c.log.With("machine", name)
	log.Info("Attempting ACPI shutdown")

	stopped := false
	err = withSession(c.api, m, consts.LockShared, log, func(sess vbox.Session, vm vbox.Machine) error {
		for i := 0; i < c.attempts; i++ {
			if i > 0 {
				c.sleep(c.interval)
			}
			st, err := vm.State()
			if err != nil {
				return err
			}
			log.Info("Machine state", "state", st, "attempt", i+1)
			switch {
			case st == consts.StatePaused:
				err = sess.Resume()
			case st.IsOff():
				log.Info("Machine stopped", "state", st)
				stopped = true
				return nil
			default:
				err = sess.PowerButton()
			}
			if err != nil {
				return err
			}
		}
		return errors.New(errors.ErrCodeTimeout, "ShutdownMachine", fmt.Sprintf("still running after %d attempts", c.attempts), nil)
	})
	if err != nil {
		log.Error("Failed to ACPI shutdown", "err", err)
		return false, nil
	}
	return stopped, nil
}

// SaveMachine saves the machine state once and waits for it to reach an off
// state. A machine already off succeeds without any command. Errors follow
// ShutdownMachine.
func (c *Context) SaveMachine(s Snapshot) (bool, error) {
	err := c.guard.Enter()
	defer c.guard.Exit()
	if err != nil {
		return false, err
	}

	m, name, err := c.resolve(s, "SaveMachine")
	if err != nil {
		c.log.Error("Failed to access machine member", "machine", s.Name, "err", err)
		return false, nil
	}
	log := c.log.With("machine", name)
	log.Info("Checking machine")

	st, err := m.State()
	if err != nil {
		log.Error("Failed to read machine state", "err", err)
		return false, nil
	}
	if st.IsOff() {
		return true, nil
	}

	log.Info("Saving machine", "state", st)
	saved := false
	err = withSession(c.api, m, consts.LockShared, log, func(sess vbox.Session, vm vbox.Machine) error {
		if err := sess.SaveState(); err != nil {
			return err
		}
		for i := 0; i < c.attempts; i++ {
			if i > 0 {
				c.sleep(c.interval)
			}
			st, err := vm.State()
			if err != nil {
				return err
			}
			log.Info("Machine state", "state", st, "attempt", i+1)
			if st.IsOff() {
				saved = true
				return nil
			}
		}
		return errors.New(errors.ErrCodeTimeout, "SaveMachine", "took too much time to save", nil)
	})
	if err != nil {
		log.Error("Failed to save", "err", err)
		return false, nil
	}
	return saved, nil
}

// Personal.AI order the ending
