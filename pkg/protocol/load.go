package protocol

import (
	"fmt"
	"os"
	"time"

	"github.com/turtacn/vboxhalt/pkg/errors"
	"github.com/turtacn/vboxhalt/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path over Defaults. A missing file is not an
// error when optional is set; the defaults are returned instead.
func Load(path string, optional bool) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "cannot read "+path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "cannot parse "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would silently change shutdown behaviour.
func (c *Config) Validate() error {
	for field, v := range map[string]string{
		"manager.idle_timeout":   c.Manager.IdleTimeout,
		"shutdown.poll_interval": c.Shutdown.PollInterval,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return errors.New(errors.ErrCodeConfigInvalid, "Validate", fmt.Sprintf("%s: invalid duration %q", field, v), err)
		}
	}
	if c.Shutdown.Attempts < 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "Validate", "shutdown.attempts must not be negative", nil)
	}
	if _, err := logger.ParseLevel(c.Observability.LogLevel); err != nil {
		return errors.New(errors.ErrCodeConfigInvalid, "Validate", "observability.log_level", err)
	}
	return nil
}

// Personal.AI order the ending
