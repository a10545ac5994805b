package config

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rhuss/backtestd/pkg/api"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}

	errs = append(errs, c.validateBackend()...)
	errs = append(errs, c.validateRuns()...)

	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions must be >= 0, got %d", c.Sessions.MaxSessions))
	}

	switch c.Journal.Type {
	case "none":
	case "memory":
		if c.Journal.MaxSize <= 0 {
			errs = append(errs, fmt.Errorf("journal.max_size must be > 0, got %d", c.Journal.MaxSize))
		}
	case "postgres":
		if c.Journal.Postgres.DSN == "" && c.Journal.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("journal.postgres.dsn or journal.postgres.dsn_file is required when journal.type is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.type must be \"none\", \"memory\", or \"postgres\", got %q", c.Journal.Type))
	}

	if c.MCP.Enabled && !strings.HasPrefix(c.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path must start with \"/\", got %q", c.MCP.Path))
	}
	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with \"/\", got %q", c.Observability.Metrics.Path))
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "", "ERROR", "WARN", "WARNING", "INFO", "DEBUG", "TRACE":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be ERROR, WARN, INFO, DEBUG, or TRACE, got %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

func (c *Config) validateBackend() []error {
	var errs []error
	b := c.Backend

	if b.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.timeout must be > 0, got %s", b.Timeout))
	} else if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= b.Timeout {
		errs = append(errs, fmt.Errorf("server.write_timeout (%s) must exceed backend.timeout (%s)", c.Server.WriteTimeout, b.Timeout))
	}

	switch b.Type {
	case "docker":
		if b.Docker.Image == "" {
			errs = append(errs, fmt.Errorf("backend.docker.image is required when backend.type is \"docker\""))
		}
		if b.Docker.MountPoint != "" && !path.IsAbs(b.Docker.MountPoint) {
			errs = append(errs, fmt.Errorf("backend.docker.mount_point must be absolute, got %q", b.Docker.MountPoint))
		}
	case "local":
		if len(b.Command) == 0 || b.Command[0] == "" {
			errs = append(errs, fmt.Errorf("backend.command is required when backend.type is \"local\""))
		}
	case "sandbox":
		if b.Sandbox.URL == "" && b.Sandbox.Template == "" {
			errs = append(errs, fmt.Errorf("backend.sandbox.url or backend.sandbox.template is required when backend.type is \"sandbox\""))
		}
		if b.Sandbox.MaxResponseSize <= 0 {
			errs = append(errs, fmt.Errorf("backend.sandbox.max_response_size must be > 0, got %d", b.Sandbox.MaxResponseSize))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.type must be \"docker\", \"local\", or \"sandbox\", got %q", b.Type))
	}
	return errs
}

func (c *Config) validateRuns() []error {
	var errs []error
	r := c.Runs

	if r.MinTickCount <= 0 {
		errs = append(errs, fmt.Errorf("runs.min_tick_count must be > 0, got %d", r.MinTickCount))
	}
	if r.MaxTickCount < r.MinTickCount {
		errs = append(errs, fmt.Errorf("runs.max_tick_count (%d) must be >= runs.min_tick_count (%d)", r.MaxTickCount, r.MinTickCount))
	}
	if r.DefaultTickCount < r.MinTickCount || r.DefaultTickCount > r.MaxTickCount {
		errs = append(errs, fmt.Errorf("runs.default_tick_count must be within [%d, %d], got %d", r.MinTickCount, r.MaxTickCount, r.DefaultTickCount))
	}
	if !r.MaxInitialCapital.IsPositive() {
		errs = append(errs, fmt.Errorf("runs.max_initial_capital must be > 0, got %s", r.MaxInitialCapital))
	}
	if !r.DefaultInitialCapital.IsPositive() || r.DefaultInitialCapital.GreaterThan(r.MaxInitialCapital) {
		errs = append(errs, fmt.Errorf("runs.default_initial_capital must be within (0, %s], got %s", r.MaxInitialCapital, r.DefaultInitialCapital))
	}
	if r.MaxStrategies <= 0 {
		errs = append(errs, fmt.Errorf("runs.max_strategies must be > 0, got %d", r.MaxStrategies))
	}
	if len(r.DefaultStrategies) == 0 {
		errs = append(errs, fmt.Errorf("runs.default_strategies must not be empty"))
	} else if r.MaxStrategies > 0 && len(r.DefaultStrategies) > r.MaxStrategies {
		errs = append(errs, fmt.Errorf("runs.default_strategies has %d entries, max is %d", len(r.DefaultStrategies), r.MaxStrategies))
	}
	for i, name := range r.DefaultStrategies {
		if !api.ValidStrategyName(name) {
			errs = append(errs, fmt.Errorf("runs.default_strategies[%d] is not a valid strategy name: %q", i, name))
		}
	}
	return errs
}
