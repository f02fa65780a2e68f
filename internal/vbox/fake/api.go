// Package fake provides a scriptable in-memory management API for tests.
package fake

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/vboxhalt/internal/vbox"
	"github.com/turtacn/vboxhalt/pkg/consts"
)

var (
	_ vbox.API     = (*API)(nil)
	_ vbox.Machine = (*Machine)(nil)
	_ vbox.Session = (*Session)(nil)
)

// ErrClosed is returned by every call on a closed API.
var ErrClosed = errors.New("fake: api closed")

// API is a fake management connection over a fixed machine list.
type API struct {
	CallRecorder

	mu       sync.Mutex
	machines []*Machine
	closed   bool

	// MachinesErr fails enumeration; SessionErr fails OpenSession.
	MachinesErr error
	SessionErr  error
	// Latency is slept inside every call to widen race windows.
	Latency time.Duration

	active   int32
	overlaps int32
}

// New returns an API listing machines in order.
func New(machines ...*Machine) *API {
	a := &API{machines: machines}
	for _, m := range machines {
		m.api = a
	}
	return a
}

// enter marks a call in progress and counts overlapping calls.
func (a *API) enter() func() {
	if atomic.AddInt32(&a.active, 1) > 1 {
		atomic.AddInt32(&a.overlaps, 1)
	}
	if a.Latency > 0 {
		time.Sleep(a.Latency)
	}
	return func() { atomic.AddInt32(&a.active, -1) }
}

// Overlaps returns how many calls started while another call was running.
func (a *API) Overlaps() int {
	return int(atomic.LoadInt32(&a.overlaps))
}

// Closed reports whether Close was called.
func (a *API) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Remove drops the machine at index i, as if it was unregistered.
func (a *API) Remove(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.machines = append(a.machines[:i:i], a.machines[i+1:]...)
}

func (a *API) Machines() ([]vbox.Machine, error) {
	defer a.enter()()
	a.record("Machines")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.MachinesErr != nil {
		return nil, a.MachinesErr
	}
	out := make([]vbox.Machine, len(a.machines))
	for i, m := range a.machines {
		out[i] = m
	}
	return out, nil
}

func (a *API) OpenSession() (vbox.Session, error) {
	defer a.enter()()
	a.record("OpenSession")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.SessionErr != nil {
		return nil, a.SessionErr
	}
	return &Session{api: a}, nil
}

func (a *API) Close() error {
	defer a.enter()()
	a.record("Close")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Machine is a fake VM with scripted reactions to power commands.
type Machine struct {
	api *API

	mu    sync.Mutex
	name  string
	state consts.MachineState

	// PowerButtonsToOff powers the machine off after that many ACPI presses; 0 never does.
	PowerButtonsToOff int
	// PollsToSaved is the number of State reads after SaveState until it reports Saved; 0 never does.
	PollsToSaved int

	// OnState runs at the start of every State call.
	OnState func()

	NameErr    error
	StateErr   error
	LockErr    error
	UnlockErr  error
	CommandErr error

	pressed int
	saving  bool
	polls   int
}

// NewMachine returns a machine in the given state.
func NewMachine(name string, state consts.MachineState) *Machine {
	return &Machine{name: name, state: state}
}

// Current returns the state without recording a call or advancing any script.
func (m *Machine) Current() consts.MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Name() (string, error) {
	defer m.api.enter()()
	m.api.record("Name", m.name)
	if m.NameErr != nil {
		return "", m.NameErr
	}
	return m.name, nil
}

func (m *Machine) State() (consts.MachineState, error) {
	defer m.api.enter()()
	m.api.record("State", m.name)
	if m.OnState != nil {
		m.OnState()
	}
	if m.StateErr != nil {
		return consts.StateUnknown, m.StateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saving {
		m.polls++
		if m.PollsToSaved > 0 && m.polls >= m.PollsToSaved {
			m.state = consts.StateSaved
			m.saving = false
		}
	}
	return m.state, nil
}

func (m *Machine) Lock(s vbox.Session, lock consts.LockType) error {
	defer m.api.enter()()
	m.api.record("Lock", m.name, lock)
	if m.LockErr != nil {
		return m.LockErr
	}
	fs, ok := s.(*Session)
	if !ok {
		return errors.New("fake: foreign session")
	}
	if fs.machine != nil {
		return vbox.ErrSessionLocked
	}
	fs.machine = m
	return nil
}

// Session is a fake session object.
type Session struct {
	api     *API
	machine *Machine
}

func (s *Session) Machine() vbox.Machine {
	if s.machine == nil {
		return nil
	}
	return s.machine
}

func (s *Session) command(method string, apply func(m *Machine)) error {
	defer s.api.enter()()
	if s.machine == nil {
		s.api.record(method)
		return vbox.ErrNotLocked
	}
	m := s.machine
	s.api.record(method, m.name)
	if m.CommandErr != nil {
		return m.CommandErr
	}
	m.mu.Lock()
	apply(m)
	m.mu.Unlock()
	return nil
}

func (s *Session) Resume() error {
	return s.command("Resume", func(m *Machine) {
		if m.state == consts.StatePaused {
			m.state = consts.StateRunning
		}
	})
}

func (s *Session) PowerButton() error {
	return s.command("PowerButton", func(m *Machine) {
		m.pressed++
		if m.PowerButtonsToOff > 0 && m.pressed >= m.PowerButtonsToOff {
			m.state = consts.StatePoweredOff
		}
	})
}

func (s *Session) SaveState() error {
	return s.command("SaveState", func(m *Machine) {
		m.saving = true
		m.polls = 0
		m.state = consts.StateSaving
	})
}

func (s *Session) Unlock() error {
	defer s.api.enter()()
	if s.machine == nil {
		s.api.record("Unlock")
		return vbox.ErrNotLocked
	}
	s.api.record("Unlock", s.machine.name)
	err := s.machine.UnlockErr
	s.machine = nil
	return err
}

// Personal.AI order the ending
