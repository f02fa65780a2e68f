//go:build linux

package platform

import (
	"io"
	"sync"
)

// NewVeto returns the logind delay inhibitor when useLogind is set and a
// log-only veto otherwise.
func NewVeto(useLogind bool) Veto {
	if !useLogind {
		return LogVeto{}
	}
	return &logindVeto{}
}

// logindVeto dials the system bus on first use.
type logindVeto struct {
	mu   sync.Mutex
	bus  *Logind
	lock io.Closer
}

func (v *logindVeto) Register(reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lock != nil {
		return nil
	}
	if v.bus == nil {
		bus, err := DialLogind()
		if err != nil {
			return err
		}
		v.bus = bus
	}
	lock, err := v.bus.Inhibit(reason)
	if err != nil {
		return err
	}
	v.lock = lock
	return nil
}

func (v *logindVeto) Unregister() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lock == nil {
		return nil
	}
	err := v.lock.Close()
	v.lock = nil
	return err
}

// Personal.AI order the ending
