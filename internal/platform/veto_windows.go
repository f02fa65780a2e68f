//go:build windows

package platform

import "golang.org/x/sys/windows"

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procShutdownBlockReasonCreate    = user32.NewProc("ShutdownBlockReasonCreate")
	procShutdownBlockReasonDestroy   = user32.NewProc("ShutdownBlockReasonDestroy")
	procSetProcessShutdownParameters = kernel32.NewProc("SetProcessShutdownParameters")
)

// NewVeto returns the fallback used without a session window. A block
// reason needs a top-level window owned by this process, see OpenWindow.
// logind is ignored.
func NewVeto(bool) Veto {
	return LogVeto{}
}

// Personal.AI order the ending
