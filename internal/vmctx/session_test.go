package vmctx

import (
	"errors"
	"strings"
	"testing"

	"github.com/turtacn/vboxhalt/internal/vbox"
	"github.com/turtacn/vboxhalt/internal/vbox/fake"
	"github.com/turtacn/vboxhalt/pkg/consts"
	herrors "github.com/turtacn/vboxhalt/pkg/errors"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

func firstMachine(t *testing.T, api *fake.API) vbox.Machine {
	t.Helper()
	ms, err := api.Machines()
	if err != nil || len(ms) == 0 {
		t.Fatalf("no machine: %v", err)
	}
	return ms[0]
}

func TestWithSession_UnlocksOnError(t *testing.T) {
	api := fake.New(fake.NewMachine("vm", consts.StateRunning))
	m := firstMachine(t, api)

	boom := errors.New("boom")
	err := withSession(api, m, consts.LockShared, logger.Log, func(sess vbox.Session, vm vbox.Machine) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected body error, got %v", err)
	}
	if got := strings.Join(api.Trace("Lock", "Unlock"), ","); got != "Lock:vm,Unlock:vm" {
		t.Errorf("unexpected trace %s", got)
	}
}

func TestWithSession_UnlocksOnPanic(t *testing.T) {
	api := fake.New(fake.NewMachine("vm", consts.StateRunning))
	m := firstMachine(t, api)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		withSession(api, m, consts.LockShared, logger.Log, func(sess vbox.Session, vm vbox.Machine) error {
			panic("body blew up")
		})
	}()
	if len(api.Calls("Unlock")) != 1 {
		t.Errorf("Expected unlock on panic, got %v", api.Trace())
	}
}

func TestWithSession_NoSessionObject(t *testing.T) {
	api := fake.New(fake.NewMachine("vm", consts.StateRunning))
	m := firstMachine(t, api)
	api.SessionErr = errors.New("no session")

	ran := false
	err := withSession(api, m, consts.LockShared, logger.Log, func(vbox.Session, vbox.Machine) error {
		ran = true
		return nil
	})
	if ran {
		t.Error("Body must not run without a session")
	}
	if !herrors.HasCode(err, herrors.ErrCodeSessionLock) {
		t.Errorf("Expected session fault, got %v", err)
	}
}

func TestWithSession_UnlockFaultIsSwallowed(t *testing.T) {
	vm := fake.NewMachine("vm", consts.StateRunning)
	vm.UnlockErr = errors.New("already unlocked")
	api := fake.New(vm)
	m := firstMachine(t, api)

	err := withSession(api, m, consts.LockShared, logger.Log, func(sess vbox.Session, locked vbox.Machine) error {
		if locked == nil {
			t.Error("Expected locked machine view")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Unlock fault must only be logged, got %v", err)
	}
}
