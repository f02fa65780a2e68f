//go:build !windows

package platform

// Window is the Windows session window; other systems have none.
type Window struct{}

var (
	_ Veto           = (*Window)(nil)
	_ SessionWatcher = (*Window)(nil)
)

func OpenWindow(string) (*Window, error) {
	return nil, ErrUnsupported
}

func (*Window) Sessions() <-chan SessionNotice { return nil }

func (*Window) Register(string) error { return ErrUnsupported }

func (*Window) Unregister() error { return ErrUnsupported }

func (*Window) Close() error { return nil }

// Personal.AI order the ending
