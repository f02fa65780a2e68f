//go:build windows

package platform

import (
	stderrors "errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/turtacn/vboxhalt/pkg/errors"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

const (
	wmDestroy         = 0x0002
	wmClose           = 0x0010
	wmQueryEndSession = 0x0011
	wmEndSession      = 0x0016
	wmRun             = 0x8001 // WM_APP + 1

	windowClass = "vboxhaltSessionWindow"

	// queryWait bounds how long a session query is held open waiting for
	// the veto or an acknowledgement.
	queryWait = 5 * time.Second
)

var (
	procRegisterClassExW = user32.NewProc("RegisterClassExW")
	procCreateWindowExW  = user32.NewProc("CreateWindowExW")
	procDestroyWindow    = user32.NewProc("DestroyWindow")
	procDefWindowProcW   = user32.NewProc("DefWindowProcW")
	procGetMessageW      = user32.NewProc("GetMessageW")
	procTranslateMessage = user32.NewProc("TranslateMessage")
	procDispatchMessageW = user32.NewProc("DispatchMessageW")
	procPostMessageW     = user32.NewProc("PostMessageW")
	procPostQuitMessage  = user32.NewProc("PostQuitMessage")
	procGetModuleHandleW = kernel32.NewProc("GetModuleHandleW")

	errWindowClosed = stderrors.New("platform: session window closed")
)

type wndClassEx struct {
	size       uint32
	style      uint32
	wndProc    uintptr
	clsExtra   int32
	wndExtra   int32
	instance   uintptr
	icon       uintptr
	cursor     uintptr
	background uintptr
	menuName   *uint16
	className  *uint16
	iconSm     uintptr
}

type winMsg struct {
	hwnd    uintptr
	message uint32
	wParam  uintptr
	lParam  uintptr
	time    uint32
	pt      struct{ x, y int32 }
	private uint32
}

var (
	wndProcOnce sync.Once
	wndProcPtr  uintptr

	windowsMu sync.Mutex
	byHandle  = map[uintptr]*Window{}
)

var (
	_ Veto           = (*Window)(nil)
	_ SessionWatcher = (*Window)(nil)
)

// Window is a hidden top-level window pinned to its own OS thread. It
// receives the session-end messages and owns the shutdown block reason;
// every call touching it runs on that thread.
type Window struct {
	hwnd     uintptr
	calls    chan func()
	sessions chan SessionNotice
	closing  chan struct{}
	done     chan struct{}
	watched  atomic.Bool
	log      logger.Logger

	closeOnce sync.Once
	// blocked is only touched on the window thread.
	blocked bool
}

// OpenWindow creates the window and starts its message loop.
func OpenWindow(title string) (*Window, error) {
	w := &Window{
		calls:    make(chan func(), 4),
		sessions: make(chan SessionNotice, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.Log.With("component", "window"),
	}
	ready := make(chan error, 1)
	go w.loop(title, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Window) loop(title string, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	hwnd, err := createWindow(title)
	if err != nil {
		ready <- err
		return
	}
	w.hwnd = hwnd
	windowsMu.Lock()
	byHandle[hwnd] = w
	windowsMu.Unlock()
	defer func() {
		windowsMu.Lock()
		delete(byHandle, hwnd)
		windowsMu.Unlock()
	}()
	ready <- nil

	var m winMsg
	for {
		r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(r) <= 0 {
			return
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}
}

func createWindow(title string) (uintptr, error) {
	wndProcOnce.Do(func() { wndProcPtr = windows.NewCallback(wndProc) })

	inst, _, _ := procGetModuleHandleW.Call(0)
	cls, err := windows.UTF16PtrFromString(windowClass)
	if err != nil {
		return 0, errors.New(errors.ErrCodeVeto, "RegisterClassExW", "invalid class name", err)
	}
	name, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return 0, errors.New(errors.ErrCodeVeto, "CreateWindowExW", "invalid title", err)
	}

	wc := wndClassEx{wndProc: wndProcPtr, instance: inst, className: cls}
	wc.size = uint32(unsafe.Sizeof(wc))
	if r, _, callErr := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc))); r == 0 && callErr != windows.ERROR_CLASS_ALREADY_EXISTS {
		return 0, errors.New(errors.ErrCodeVeto, "RegisterClassExW", "call failed", callErr)
	}

	// WS_OVERLAPPED and never shown: a message-only window would miss the
	// session broadcasts.
	hwnd, _, callErr := procCreateWindowExW.Call(0,
		uintptr(unsafe.Pointer(cls)), uintptr(unsafe.Pointer(name)),
		0, 0, 0, 0, 0, 0, 0, inst, 0)
	if hwnd == 0 {
		return 0, errors.New(errors.ErrCodeVeto, "CreateWindowExW", "call failed", callErr)
	}
	return hwnd, nil
}

func wndProc(hwnd, msg, wParam, lParam uintptr) uintptr {
	windowsMu.Lock()
	w := byHandle[hwnd]
	windowsMu.Unlock()

	if w != nil {
		switch uint32(msg) {
		case wmRun:
			w.runPending()
			return 0
		case wmQueryEndSession:
			w.notify(false)
			return 1
		case wmEndSession:
			if wParam != 0 {
				w.notify(true)
			}
			return 0
		case wmClose:
			procDestroyWindow.Call(hwnd)
			return 0
		case wmDestroy:
			procPostQuitMessage.Call(0)
			return 0
		}
	}
	r, _, _ := procDefWindowProcW.Call(hwnd, msg, wParam, lParam)
	return r
}

func (w *Window) runPending() {
	for {
		select {
		case f := <-w.calls:
			f()
		default:
			return
		}
	}
}

// notify hands a session message to the watcher and keeps serving calls
// until it is acknowledged. A query also returns once the block reason is
// up or queryWait has passed.
func (w *Window) notify(ending bool) {
	if !w.watched.Load() {
		return
	}
	if !ending && w.blocked {
		return
	}
	acked := make(chan struct{})
	var once sync.Once
	n := SessionNotice{Ending: ending, Ack: func() { once.Do(func() { close(acked) }) }}
	select {
	case w.sessions <- n:
	default:
		w.log.Warn("Session message dropped, previous one still pending", "ending", ending)
		return
	}

	var timeout <-chan time.Time
	if !ending {
		t := time.NewTimer(queryWait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case <-acked:
			return
		case <-w.closing:
			return
		case f := <-w.calls:
			f()
			if !ending && w.blocked {
				return
			}
		case <-timeout:
			w.log.Warn("Session query not answered in time")
			return
		}
	}
}

// do runs f on the window thread and returns its result.
func (w *Window) do(f func() error) error {
	res := make(chan error, 1)
	select {
	case w.calls <- func() { res <- f() }:
	case <-w.done:
		return errWindowClosed
	}
	procPostMessageW.Call(w.hwnd, wmRun, 0, 0)
	select {
	case err := <-res:
		return err
	case <-w.done:
		return errWindowClosed
	}
}

// Sessions returns the session-end messages. Until it is called the
// window answers them at once.
func (w *Window) Sessions() <-chan SessionNotice {
	w.watched.Store(true)
	return w.sessions
}

func (w *Window) Register(reason string) error {
	msg, err := windows.UTF16PtrFromString(reason)
	if err != nil {
		return errors.New(errors.ErrCodeVeto, "ShutdownBlockReasonCreate", "invalid reason", err)
	}
	return w.do(func() error {
		if w.blocked {
			return nil
		}
		if r, _, callErr := procShutdownBlockReasonCreate.Call(w.hwnd, uintptr(unsafe.Pointer(msg))); r == 0 {
			return errors.New(errors.ErrCodeVeto, "ShutdownBlockReasonCreate", "call failed", callErr)
		}
		w.blocked = true
		return nil
	})
}

func (w *Window) Unregister() error {
	return w.do(func() error {
		if !w.blocked {
			return nil
		}
		w.blocked = false
		if r, _, callErr := procShutdownBlockReasonDestroy.Call(w.hwnd); r == 0 {
			return errors.New(errors.ErrCodeVeto, "ShutdownBlockReasonDestroy", "call failed", callErr)
		}
		return nil
	})
}

// Close destroys the window and waits for its thread to finish.
func (w *Window) Close() error {
	w.closeOnce.Do(func() { close(w.closing) })
	err := w.do(func() error {
		if r, _, callErr := procDestroyWindow.Call(w.hwnd); r == 0 {
			return errors.New(errors.ErrCodeVeto, "DestroyWindow", "call failed", callErr)
		}
		return nil
	})
	<-w.done
	if err == errWindowClosed {
		return nil
	}
	return err
}

// Personal.AI order the ending
