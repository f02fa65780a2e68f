package vmctx

import (
	"github.com/turtacn/vboxhalt/internal/vbox"
	"github.com/turtacn/vboxhalt/pkg/consts"
	"github.com/turtacn/vboxhalt/pkg/errors"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

// sessionScope is a session locked to one machine.
type sessionScope struct {
	sess vbox.Session
	log  logger.Logger
}

// enterSession opens a session and locks m with lock. On lock failure the
// session is still unlocked best-effort before the error is returned.
func enterSession(api vbox.API, m vbox.Machine, lock consts.LockType, log logger.Logger) (*sessionScope, error) {
	sess, err := api.OpenSession()
	if err != nil {
		log.Debug("Failed to get session object", "err", err)
		return nil, errors.New(errors.ErrCodeSessionLock, "OpenSession", "no session object", err)
	}
	if err := m.Lock(sess, lock); err != nil {
		log.Debug("Failed to lock machine", "lock", lock, "err", err)
		if uerr := sess.Unlock(); uerr != nil {
			log.Debug("Failed to unlock session", "err", uerr)
		}
		return nil, errors.New(errors.ErrCodeSessionLock, "LockMachine", "cannot lock machine", err)
	}
	return &sessionScope{sess: sess, log: log}, nil
}

func (s *sessionScope) exit() {
	if err := s.sess.Unlock(); err != nil {
		s.log.Debug("Failed to unlock session", "err", err)
	}
}

// withSession runs fn with m locked and unlocks on every exit path,
// including a panic in fn.
func withSession(api vbox.API, m vbox.Machine, lock consts.LockType, log logger.Logger, fn func(sess vbox.Session, vm vbox.Machine) error) error {
	scope, err := enterSession(api, m, lock, log)
	if err != nil {
		return err
	}
	defer scope.exit()

	vm := scope.sess.Machine()
	if vm == nil {
		vm = m
	}
	return fn(scope.sess, vm)
}

// Personal.AI order the ending
