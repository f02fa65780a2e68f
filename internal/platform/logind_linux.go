//go:build linux

package platform

import (
	"io"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/turtacn/vboxhalt/pkg/consts"
	"github.com/turtacn/vboxhalt/pkg/errors"
)

const (
	logindDest  = "org.freedesktop.login1"
	logindPath  = "/org/freedesktop/login1"
	logindIface = "org.freedesktop.login1.Manager"
)

// Logind talks to systemd-logind over the system bus.
type Logind struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

var _ ShutdownWatcher = (*Logind)(nil)

// DialLogind connects to the system bus.
func DialLogind() (*Logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.New(errors.ErrCodeVeto, "DialLogind", "cannot connect to system bus", err)
	}
	return &Logind{conn: conn, obj: conn.Object(logindDest, dbus.ObjectPath(logindPath))}, nil
}

// inhibitor is a logind delay lock; closing its descriptor releases it.
type inhibitor struct {
	fd   int
	once sync.Once
}

func (i *inhibitor) Close() error {
	var err error
	i.once.Do(func() { err = unix.Close(i.fd) })
	return err
}

func (l *Logind) Inhibit(why string) (io.Closer, error) {
	var fd dbus.UnixFD
	call := l.obj.Call(logindIface+".Inhibit", 0, "shutdown", consts.AppName, why, "delay")
	if err := call.Store(&fd); err != nil {
		return nil, errors.New(errors.ErrCodeVeto, "Inhibit", "logind refused delay lock", err)
	}
	return &inhibitor{fd: int(fd)}, nil
}

func (l *Logind) PrepareForShutdown(done <-chan struct{}) (<-chan bool, error) {
	err := l.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindIface),
		dbus.WithMatchMember("PrepareForShutdown"),
	)
	if err != nil {
		return nil, errors.New(errors.ErrCodeVeto, "PrepareForShutdown", "cannot subscribe to logind", err)
	}
	sigs := make(chan *dbus.Signal, 4)
	l.conn.Signal(sigs)

	out := make(chan bool)
	go func() {
		defer close(out)
		defer l.conn.RemoveSignal(sigs)
		for {
			select {
			case <-done:
				return
			case s, ok := <-sigs:
				if !ok {
					return
				}
				if s.Name != logindIface+".PrepareForShutdown" || len(s.Body) != 1 {
					continue
				}
				active, ok := s.Body[0].(bool)
				if !ok {
					continue
				}
				select {
				case out <- active:
				case <-done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (l *Logind) Close() error {
	return l.conn.Close()
}

// Personal.AI order the ending
