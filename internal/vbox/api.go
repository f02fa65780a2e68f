// Package vbox is the binding to the VirtualBox management API.
//
// Handles returned by an API are not safe for concurrent use and must stay
// on the goroutine that opened the API; the executor package enforces this.
package vbox

import (
	"errors"

	"github.com/turtacn/vboxhalt/pkg/consts"
)

var (
	ErrMachineNotExist = errors.New("machine does not exist")
	ErrVBMNotFound     = errors.New("VBoxManage not found")
	ErrNotLocked       = errors.New("session is not locked to a machine")
	ErrSessionLocked   = errors.New("session is already locked")
)

// API is one connection to the management service.
type API interface {
	// Machines lists every registered machine in the API's order.
	Machines() ([]Machine, error)
	// OpenSession returns a fresh, unlocked session object.
	OpenSession() (Session, error)
	// Close releases the connection.
	Close() error
}

// Machine is a live handle. Every read goes to the API.
type Machine interface {
	Name() (string, error)
	State() (consts.MachineState, error)
	// Lock binds s to this machine with the given lock type.
	Lock(s Session, lock consts.LockType) error
}

// Session controls the machine it is locked to.
type Session interface {
	// Machine returns the locked machine view; nil before Lock.
	Machine() Machine
	Resume() error
	PowerButton() error
	SaveState() error
	Unlock() error
}

// Connector opens a new API connection.
type Connector func() (API, error)

// Personal.AI order the ending
