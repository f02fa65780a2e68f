package vbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/turtacn/vboxhalt/pkg/consts"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

var (
	reVMNameUUID      = regexp.MustCompile(`"(.+)" {([0-9a-fA-F-]+)}`)
	reVMInfoLine      = regexp.MustCompile(`(?:"(.+)"|(.+))=(?:"(.*)"|(.*))`)
	reMachineNotFound = regexp.MustCompile(`Could not find a registered machine`)
)

const inaccessibleName = "<inaccessible>"

// Runner executes VBoxManage with args and returns its output streams.
type Runner func(args ...string) (stdout, stderr string, err error)

// Config selects the VBoxManage binary. An empty Path auto-detects it.
type Config struct {
	Path string
	Run  Runner
}

// Manager drives VirtualBox through the VBoxManage command line tool.
type Manager struct {
	bin    string
	run    Runner
	closed bool
}

var _ API = (*Manager)(nil)

// ResolveBinary returns the VBoxManage path: explicit path first, then
// VBOX_INSTALL_PATH on Windows, then the PATH lookup name.
func ResolveBinary(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv(consts.EnvVBoxInstallPath); p != "" && runtime.GOOS == "windows" {
		return filepath.Join(p, consts.DefaultVBoxManage+".exe")
	}
	return consts.DefaultVBoxManage
}

// NewManager checks that VBoxManage answers and returns a connected Manager.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{bin: ResolveBinary(cfg.Path), run: cfg.Run}
	if m.run == nil {
		m.run = m.exec
	}
	if _, _, err := m.run("--version"); err != nil {
		return nil, err
	}
	logger.Log.Debug("VBoxManage connected", "bin", m.bin)
	return m, nil
}

// Connect returns a Connector opening Managers with cfg.
func Connect(cfg Config) Connector {
	return func() (API, error) {
		return NewManager(cfg)
	}
}

func (m *Manager) exec(args ...string) (string, string, error) {
	cmd := exec.Command(m.bin, args...)
	logger.Log.Debug("executing", "bin", m.bin, "args", strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = ErrVBMNotFound
		} else {
			err = fmt.Errorf("VBoxManage %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
	}
	return stdout.String(), stderr.String(), err
}

func (m *Manager) Machines() ([]Machine, error) {
	if m.closed {
		return nil, errors.New("manager is closed")
	}
	out, _, err := m.run("list", "vms")
	if err != nil {
		return nil, err
	}
	var ms []Machine
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		res := reVMNameUUID.FindStringSubmatch(s.Text())
		if res == nil {
			continue
		}
		ms = append(ms, &cliMachine{mgr: m, name: res[1], uuid: res[2]})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return ms, nil
}

func (m *Manager) OpenSession() (Session, error) {
	if m.closed {
		return nil, errors.New("manager is closed")
	}
	return &cliSession{mgr: m}, nil
}

func (m *Manager) Close() error {
	m.closed = true
	return nil
}

type cliMachine struct {
	mgr  *Manager
	name string
	uuid string
}

func (c *cliMachine) Name() (string, error) {
	if c.name == inaccessibleName {
		return "", fmt.Errorf("machine %s is inaccessible", c.uuid)
	}
	return c.name, nil
}

func (c *cliMachine) State() (consts.MachineState, error) {
	info, err := c.mgr.showVMInfo(c.uuid)
	if err != nil {
		return consts.StateUnknown, err
	}
	return ParseState(info["VMState"]), nil
}

func (c *cliMachine) Lock(s Session, lock consts.LockType) error {
	cs, ok := s.(*cliSession)
	if !ok || cs.mgr != c.mgr {
		return errors.New("session belongs to another manager")
	}
	if cs.machine != nil {
		return ErrSessionLocked
	}
	// VBoxManage takes the real lock per command; make sure the machine is
	// still registered so failures surface here rather than mid-protocol.
	if _, err := c.mgr.showVMInfo(c.uuid); err != nil {
		return err
	}
	cs.machine = c
	cs.lock = lock
	return nil
}

// showVMInfo returns the machine-readable key/value dump for id.
func (m *Manager) showVMInfo(id string) (map[string]string, error) {
	stdout, stderr, err := m.run("showvminfo", id, "--machinereadable")
	if err != nil {
		if reMachineNotFound.MatchString(stderr) {
			return nil, ErrMachineNotExist
		}
		return nil, err
	}
	info := make(map[string]string)
	s := bufio.NewScanner(strings.NewReader(stdout))
	for s.Scan() {
		res := reVMInfoLine.FindStringSubmatch(s.Text())
		if res == nil {
			continue
		}
		key := res[1]
		if key == "" {
			key = res[2]
		}
		val := res[3]
		if val == "" {
			val = res[4]
		}
		info[key] = val
	}
	return info, s.Err()
}

type cliSession struct {
	mgr     *Manager
	machine *cliMachine
	lock    consts.LockType
}

func (s *cliSession) Machine() Machine {
	if s.machine == nil {
		return nil
	}
	return s.machine
}

func (s *cliSession) controlvm(action string) error {
	if s.machine == nil {
		return ErrNotLocked
	}
	_, _, err := s.mgr.run("controlvm", s.machine.uuid, action)
	return err
}

func (s *cliSession) Resume() error      { return s.controlvm("resume") }
func (s *cliSession) PowerButton() error { return s.controlvm("acpipowerbutton") }
func (s *cliSession) SaveState() error   { return s.controlvm("savestate") }

func (s *cliSession) Unlock() error {
	if s.machine == nil {
		return ErrNotLocked
	}
	s.machine = nil
	return nil
}

// ParseState maps a VMState value from showvminfo to a MachineState.
// Unrecognised values are kept verbatim.
func ParseState(v string) consts.MachineState {
	switch strings.ToLower(v) {
	case "poweroff":
		return consts.StatePoweredOff
	case "saved":
		return consts.StateSaved
	case "teleported":
		return consts.StateTeleported
	case "aborted", "aborted-saved":
		return consts.StateAborted
	case "running":
		return consts.StateRunning
	case "paused":
		return consts.StatePaused
	case "gurumeditation", "stuck":
		return consts.StateStuck
	case "starting":
		return consts.StateStarting
	case "stopping":
		return consts.StateStopping
	case "saving":
		return consts.StateSaving
	case "restoring":
		return consts.StateRestoring
	case "":
		return consts.StateUnknown
	}
	return consts.MachineState(v)
}

// Personal.AI order the ending
