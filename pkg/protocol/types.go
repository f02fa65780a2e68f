package protocol

import (
	"time"

	"github.com/turtacn/vboxhalt/pkg/consts"
)

// Config represents the root configuration of the vboxhalt daemon.
type Config struct {
	Version       string              `yaml:"version"`
	Manager       ManagerConfig       `yaml:"manager"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ManagerConfig struct {
	VBoxManage  string `yaml:"vboxmanage"`   // Path to VBoxManage, empty to auto-detect
	IdleTimeout string `yaml:"idle_timeout"` // Executor teardown after quiescence
}

type ShutdownConfig struct {
	Attempts     int    `yaml:"attempts"`      // Iterations per phase (shutdown, save)
	PollInterval string `yaml:"poll_interval"` // Sleep between iterations
	VetoReason   string `yaml:"veto_reason"`
	Logind       bool   `yaml:"logind"` // Listen for PrepareForShutdown on the system bus
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"` // Empty disables the HTTP endpoint
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"` // "", a path, or "auto" for next to the executable
}

// Defaults returns a configuration that works without a config file.
func Defaults() Config {
	return Config{
		Version: "1",
		Manager: ManagerConfig{
			IdleTimeout: consts.DefaultIdleTimeout.String(),
		},
		Shutdown: ShutdownConfig{
			Attempts:     consts.DefaultAttempts,
			PollInterval: consts.DefaultPollInterval.String(),
			VetoReason:   consts.DefaultVetoReason,
			Logind:       true,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
		},
	}
}

// IdleTimeoutDuration returns the parsed idle timeout or the default.
func (c *Config) IdleTimeoutDuration() time.Duration {
	return parseOr(c.Manager.IdleTimeout, consts.DefaultIdleTimeout)
}

// PollIntervalDuration returns the parsed poll interval or the default.
func (c *Config) PollIntervalDuration() time.Duration {
	return parseOr(c.Shutdown.PollInterval, consts.DefaultPollInterval)
}

// AttemptsOrDefault returns the configured attempt count or the default.
func (c *Config) AttemptsOrDefault() int {
	if c.Shutdown.Attempts <= 0 {
		return consts.DefaultAttempts
	}
	return c.Shutdown.Attempts
}

func parseOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Personal.AI order the ending
