package consts

import "time"

// MachineState is the power state of a virtual machine as reported by the management API.
// Values the API reports that are not listed here are carried verbatim.
type MachineState string

const (
	StatePoweredOff MachineState = "PoweredOff"
	StateSaved      MachineState = "Saved"
	StateTeleported MachineState = "Teleported"
	StateAborted    MachineState = "Aborted"
	StateRunning    MachineState = "Running"
	StatePaused     MachineState = "Paused"
	StateStuck      MachineState = "Stuck"
	StateStarting   MachineState = "Starting"
	StateStopping   MachineState = "Stopping"
	StateSaving     MachineState = "Saving"
	StateRestoring  MachineState = "Restoring"
	StateUnknown    MachineState = "Unknown"
)

// OffStates lists every state in which a machine is neither running nor paused.
var OffStates = []MachineState{StatePoweredOff, StateSaved, StateTeleported, StateAborted}

// IsOff reports whether s is one of the off states.
func (s MachineState) IsOff() bool {
	for _, off := range OffStates {
		if s == off {
			return true
		}
	}
	return false
}

// LockType selects how a session locks a machine.
type LockType string

const (
	LockShared LockType = "shared" // Attach to the running VM process
	LockWrite  LockType = "write"  // Exclusive settings lock
)

// EngineState is the lifecycle phase of the shutdown orchestrator.
type EngineState string

const (
	EngineIdle     EngineState = "IDLE"
	EngineDraining EngineState = "DRAINING" // Veto held, machines being stopped
	EngineClosed   EngineState = "CLOSED"
)

const (
	AppName             = "vboxhalt"
	EnvVBoxInstallPath  = "VBOX_INSTALL_PATH"
	DefaultVBoxManage   = "VBoxManage"
	DefaultIdleTimeout  = 15 * time.Second
	DefaultAttempts     = 20
	DefaultPollInterval = 1 * time.Second
	DefaultVetoReason   = "Shutting down VirtualBox VMs..."
	DefaultLogFileName  = "vboxhalt.log"
)

// Personal.AI order the ending
