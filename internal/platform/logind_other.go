//go:build !linux

package platform

import "io"

// Logind is unavailable outside Linux.
type Logind struct{}

var _ ShutdownWatcher = (*Logind)(nil)

func DialLogind() (*Logind, error) {
	return nil, ErrUnsupported
}

func (l *Logind) Inhibit(string) (io.Closer, error) {
	return nil, ErrUnsupported
}

func (l *Logind) PrepareForShutdown(<-chan struct{}) (<-chan bool, error) {
	return nil, ErrUnsupported
}

func (l *Logind) Close() error {
	return nil
}

// Personal.AI order the ending
