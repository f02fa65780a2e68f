//go:build !windows

package platform

// RaiseShutdownPriority is a no-op; logind delay locks play this role.
func RaiseShutdownPriority() error {
	return nil
}

// Personal.AI order the ending
