// Package platform binds the host OS: the shutdown veto, the process
// shutdown priority and the logind shutdown notifications.
package platform

import (
	stderrors "errors"
	"io"

	"github.com/turtacn/vboxhalt/pkg/logger"
)

// ErrUnsupported is returned by integrations the current OS does not have.
var ErrUnsupported = stderrors.New("platform: not supported on this OS")

// Veto holds off an OS shutdown while registered.
type Veto interface {
	Register(reason string) error
	Unregister() error
}

// ShutdownWatcher reports imminent system shutdowns and takes delay locks.
type ShutdownWatcher interface {
	// Inhibit takes a delay lock that holds the shutdown until closed.
	Inhibit(why string) (io.Closer, error)
	// PrepareForShutdown delivers true when a shutdown starts and false when
	// it was cancelled. The channel is closed once done is closed.
	PrepareForShutdown(done <-chan struct{}) (<-chan bool, error)
}

// SessionNotice is a session-end message from the window system. The
// message handler returns once Ack is called.
type SessionNotice struct {
	// Ending is false for the query and true once the session really ends.
	Ending bool
	Ack    func()
}

// SessionWatcher delivers session-end messages.
type SessionWatcher interface {
	Sessions() <-chan SessionNotice
}

// LogVeto only records veto changes. It is used where the OS has no veto
// mechanism the daemon can reach.
type LogVeto struct {
	Log logger.Logger
}

func (v LogVeto) logger() logger.Logger {
	if v.Log == nil {
		return logger.Log
	}
	return v.Log
}

func (v LogVeto) Register(reason string) error {
	v.logger().Info("Shutdown veto requested", "reason", reason)
	return nil
}

func (v LogVeto) Unregister() error {
	v.logger().Info("Shutdown veto released")
	return nil
}

// Personal.AI order the ending
