//go:build windows

package platform

import "github.com/turtacn/vboxhalt/pkg/errors"

// shutdownLevelFirst asks the OS to notify this process before others.
const shutdownLevelFirst = 0x3FF

// RaiseShutdownPriority makes the process one of the first to be told about
// a shutdown, leaving time to stop the machines.
func RaiseShutdownPriority() error {
	if r, _, err := procSetProcessShutdownParameters.Call(shutdownLevelFirst, 0); r == 0 {
		return errors.New(errors.ErrCodeVeto, "SetProcessShutdownParameters", "call failed", err)
	}
	return nil
}

// Personal.AI order the ending
