// Package config provides unified configuration for the backtestd server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (BACKTESTD_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
)

// Config holds all configuration for the backtestd server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backend       BackendConfig       `yaml:"backend"`
	Runs          RunsConfig          `yaml:"runs"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Journal       JournalConfig       `yaml:"journal"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 120s, must exceed backend.timeout
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 1 MiB
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// BackendConfig selects and configures the isolated execution backend.
type BackendConfig struct {
	Type    string            `yaml:"type"`    // "docker", "local", or "sandbox", default: "docker"
	Timeout time.Duration     `yaml:"timeout"` // default: 60s
	Command []string          `yaml:"command"` // argv; docker falls back to the engine's default command
	Env     map[string]string `yaml:"env"`     // static extra environment, default: WEB_INTERFACE=1
	Docker  DockerConfig      `yaml:"docker"`
	Sandbox SandboxConfig     `yaml:"sandbox"`
}

// DockerConfig holds container backend settings.
type DockerConfig struct {
	Binary     string `yaml:"binary"`      // default: "docker"
	Image      string `yaml:"image"`       // default: "backtest-engine"
	MountPoint string `yaml:"mount_point"` // default: "/app/temp_results"
	Workdir    string `yaml:"workdir"`     // default: "/app"
	Network    string `yaml:"network"`
	CPUs       string `yaml:"cpus"`
	Memory     string `yaml:"memory"`
}

// SandboxConfig holds remote sandbox backend settings. Either URL (a fixed
// sandbox server) or Template (a SandboxClaim template) must be set.
type SandboxConfig struct {
	URL          string        `yaml:"url"`
	Template     string        `yaml:"template"`
	Namespace    string        `yaml:"namespace"`     // default: "default"
	ClaimTimeout time.Duration `yaml:"claim_timeout"` // default: 30s

	// MaxResponseSize bounds the sandbox server's response body in bytes.
	MaxResponseSize int64 `yaml:"max_response_size"` // default: 64 MiB
}

// RunsConfig holds run request defaults and limits.
type RunsConfig struct {
	WorkDir               string          `yaml:"work_dir"` // default: OS temp dir
	DefaultTickCount      int             `yaml:"default_tick_count"`
	DefaultInitialCapital decimal.Decimal `yaml:"default_initial_capital"`
	DefaultStrategies     []string        `yaml:"default_strategies"`
	// DefaultFinalPnL is reported for strategies without a time series.
	DefaultFinalPnL   decimal.Decimal `yaml:"default_final_pnl"`
	MinTickCount      int             `yaml:"min_tick_count"`
	MaxTickCount      int             `yaml:"max_tick_count"`
	MaxInitialCapital decimal.Decimal `yaml:"max_initial_capital"`
	MaxStrategies     int             `yaml:"max_strategies"`
}

// SessionsConfig holds session registry settings.
type SessionsConfig struct {
	MaxSessions       int  `yaml:"max_sessions"`        // default: 100, 0 = unbounded
	RemoveOnEvict     bool `yaml:"remove_on_evict"`     // default: true
	CleanupOnShutdown bool `yaml:"cleanup_on_shutdown"` // default: true
}

// JournalConfig holds run journal settings.
type JournalConfig struct {
	Type     string         `yaml:"type"`     // "none", "memory", or "postgres", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory journal, default: 1000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// MCPConfig holds the MCP tool endpoint settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"` // default: false
	Path    string `yaml:"path"`    // default: "/mcp"
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig holds log level and debug category settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // ERROR, WARN, INFO, DEBUG, TRACE; default: INFO
	Debug string `yaml:"debug"` // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	v := api.DefaultValidationConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			MaxBodySize:     1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Backend: BackendConfig{
			Type:    "docker",
			Timeout: 60 * time.Second,
			Env:     map[string]string{"WEB_INTERFACE": "1"},
			Docker: DockerConfig{
				Binary:     "docker",
				Image:      "backtest-engine",
				MountPoint: "/app/temp_results",
				Workdir:    "/app",
			},
			Sandbox: SandboxConfig{
				Namespace:       "default",
				ClaimTimeout:    30 * time.Second,
				MaxResponseSize: 64 << 20,
			},
		},
		Runs: RunsConfig{
			DefaultTickCount:      v.DefaultTickCount,
			DefaultInitialCapital: v.DefaultInitialCapital,
			DefaultStrategies:     v.DefaultStrategies,
			DefaultFinalPnL:       decimal.NewFromInt(10000),
			MinTickCount:          v.MinTickCount,
			MaxTickCount:          v.MaxTickCount,
			MaxInitialCapital:     v.MaxInitialCapital,
			MaxStrategies:         v.MaxStrategies,
		},
		Sessions: SessionsConfig{
			MaxSessions:       100,
			RemoveOnEvict:     true,
			CleanupOnShutdown: true,
		},
		Journal: JournalConfig{
			Type:    "memory",
			MaxSize: 1000,
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		MCP: MCPConfig{
			Path: "/mcp",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validation converts the runs section into request validation limits.
func (c *Config) Validation() api.ValidationConfig {
	return api.ValidationConfig{
		DefaultTickCount:      c.Runs.DefaultTickCount,
		DefaultInitialCapital: c.Runs.DefaultInitialCapital,
		DefaultStrategies:     append([]string(nil), c.Runs.DefaultStrategies...),
		MinTickCount:          c.Runs.MinTickCount,
		MaxTickCount:          c.Runs.MaxTickCount,
		MaxInitialCapital:     c.Runs.MaxInitialCapital,
		MaxStrategies:         c.Runs.MaxStrategies,
	}
}
