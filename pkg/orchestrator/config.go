package orchestrator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
)

// Config holds configuration for the run orchestrator.
type Config struct {
	// Validation holds request defaults and limits.
	Validation api.ValidationConfig

	// WorkDir is the parent of per-run output directories. Empty means
	// the OS temp directory.
	WorkDir string

	// Timeout bounds each backend invocation. Zero or negative means use
	// the default of 60 seconds.
	Timeout time.Duration

	// DefaultFinalPnL is reported as a strategy's final PnL when its
	// time-series artifact is absent or empty.
	DefaultFinalPnL decimal.Decimal
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Validation:      api.DefaultValidationConfig(),
		Timeout:         60 * time.Second,
		DefaultFinalPnL: decimal.NewFromInt(10000),
	}
}

// timeout returns the effective backend timeout.
func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return c.Timeout
}
