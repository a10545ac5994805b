package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, BACKTESTD_CONFIG env, ./config.yaml, /etc/backtestd/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. BACKTESTD_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/backtestd/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("BACKTESTD_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/backtestd/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps BACKTESTD_* environment variables to config
// fields. Malformed numeric or duration values are reported rather than
// silently ignored.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BACKTESTD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BACKTESTD_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("BACKTESTD_BACKEND"); v != "" {
		cfg.Backend.Type = v
	}
	if v := os.Getenv("BACKTESTD_BACKEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BACKTESTD_BACKEND_TIMEOUT: %w", err)
		}
		cfg.Backend.Timeout = d
	}

	// BACKTESTD_BACKEND_COMMAND: JSON array of argv strings.
	if v := os.Getenv("BACKTESTD_BACKEND_COMMAND"); v != "" {
		cmd, err := parseCommandJSON(v)
		if err != nil {
			return err
		}
		cfg.Backend.Command = cmd
	}
	if v := os.Getenv("BACKTESTD_DOCKER_IMAGE"); v != "" {
		cfg.Backend.Docker.Image = v
	}
	if v := os.Getenv("BACKTESTD_SANDBOX_URL"); v != "" {
		cfg.Backend.Sandbox.URL = v
	}
	if v := os.Getenv("BACKTESTD_SANDBOX_TEMPLATE"); v != "" {
		cfg.Backend.Sandbox.Template = v
	}
	if v := os.Getenv("BACKTESTD_WORK_DIR"); v != "" {
		cfg.Runs.WorkDir = v
	}
	if v := os.Getenv("BACKTESTD_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BACKTESTD_MAX_SESSIONS: %w", err)
		}
		cfg.Sessions.MaxSessions = n
	}
	if v := os.Getenv("BACKTESTD_JOURNAL"); v != "" {
		cfg.Journal.Type = v
	}
	if v := os.Getenv("BACKTESTD_JOURNAL_DSN"); v != "" {
		cfg.Journal.Postgres.DSN = v
	}
	if v := os.Getenv("BACKTESTD_MCP_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BACKTESTD_MCP_ENABLED: %w", err)
		}
		cfg.MCP.Enabled = enabled
	}
	if v := os.Getenv("BACKTESTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BACKTESTD_DEBUG"); v != "" {
		cfg.Logging.Debug = v
	}
	return nil
}

// parseCommandJSON parses a JSON array of command arguments.
func parseCommandJSON(jsonStr string) ([]string, error) {
	var cmd []string
	if err := json.Unmarshal([]byte(jsonStr), &cmd); err != nil {
		return nil, fmt.Errorf("parsing BACKTESTD_BACKEND_COMMAND JSON: %w", err)
	}
	return cmd, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// If the value field is empty and the file field is set, the file is read,
// whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// journal.postgres.dsn_file -> journal.postgres.dsn
	if cfg.Journal.Postgres.DSNFile != "" && cfg.Journal.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Journal.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("journal.postgres.dsn_file: %w", err)
		}
		cfg.Journal.Postgres.DSN = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
