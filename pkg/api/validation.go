package api

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// strategyNamePattern restricts strategy names to characters that are safe
// inside artifact file names.
var strategyNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Exponent bounds for initial_capital. Values outside them expand to
// huge decimal strings when formatted.
const (
	maxCapitalDecimals = 8
	maxCapitalExponent = 18
)

// ValidationConfig holds defaults and limits for run request validation.
type ValidationConfig struct {
	DefaultTickCount      int
	DefaultInitialCapital decimal.Decimal
	DefaultStrategies     []string
	MinTickCount          int
	MaxTickCount          int
	MaxInitialCapital     decimal.Decimal
	MaxStrategies         int
}

// DefaultValidationConfig returns the limits the backtest engine itself
// enforces.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		DefaultTickCount:      1000,
		DefaultInitialCapital: decimal.NewFromInt(10000),
		DefaultStrategies:     []string{"Mean_Reversion", "Breakout_Win20", "Spread"},
		MinTickCount:          10,
		MaxTickCount:          100000,
		MaxInitialCapital:     decimal.NewFromInt(100000000),
		MaxStrategies:         16,
	}
}

// ParseRunRequest validates and coerces a client payload into a RunRequest.
// It returns an *APIError describing the first validation failure. No
// resources are allocated here.
func ParseRunRequest(p *RunRequestPayload, cfg ValidationConfig) (*RunRequest, *APIError) {
	if p == nil {
		p = &RunRequestPayload{}
	}

	req := &RunRequest{
		TickCount:      cfg.DefaultTickCount,
		InitialCapital: cfg.DefaultInitialCapital,
	}

	if s := strings.TrimSpace(p.NumTicks.String()); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, NewInvalidRequestError("num_ticks", fmt.Sprintf("num_ticks must be an integer, got %q", s))
		}
		req.TickCount = n
	}
	if req.TickCount <= 0 {
		return nil, NewInvalidRequestError("num_ticks", "num_ticks must be positive")
	}
	if cfg.MinTickCount > 0 && req.TickCount < cfg.MinTickCount {
		return nil, NewInvalidRequestError("num_ticks",
			fmt.Sprintf("num_ticks must be at least %d", cfg.MinTickCount))
	}
	if cfg.MaxTickCount > 0 && req.TickCount > cfg.MaxTickCount {
		return nil, NewInvalidRequestError("num_ticks",
			fmt.Sprintf("num_ticks must be at most %d", cfg.MaxTickCount))
	}

	if s := strings.TrimSpace(p.InitialCapital.String()); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, NewInvalidRequestError("initial_capital", fmt.Sprintf("initial_capital must be a number, got %q", s))
		}
		if d.Exponent() < -maxCapitalDecimals {
			return nil, NewInvalidRequestError("initial_capital",
				fmt.Sprintf("initial_capital must have at most %d decimal places", maxCapitalDecimals))
		}
		if d.Exponent() > maxCapitalExponent {
			return nil, NewInvalidRequestError("initial_capital", "initial_capital is too large")
		}
		req.InitialCapital = d
	}
	if !req.InitialCapital.IsPositive() {
		return nil, NewInvalidRequestError("initial_capital", "initial_capital must be positive")
	}
	if cfg.MaxInitialCapital.IsPositive() && req.InitialCapital.GreaterThan(cfg.MaxInitialCapital) {
		return nil, NewInvalidRequestError("initial_capital",
			fmt.Sprintf("initial_capital must be at most %s", cfg.MaxInitialCapital))
	}

	strategies := p.Strategies
	if len(strategies) == 0 {
		strategies = cfg.DefaultStrategies
	}
	if len(strategies) == 0 {
		return nil, NewInvalidRequestError("strategies", "at least one strategy is required")
	}
	if cfg.MaxStrategies > 0 && len(strategies) > cfg.MaxStrategies {
		return nil, NewInvalidRequestError("strategies",
			fmt.Sprintf("strategies exceeds maximum of %d", cfg.MaxStrategies))
	}

	seen := make(map[string]bool, len(strategies))
	req.Strategies = make([]string, 0, len(strategies))
	for i, name := range strategies {
		if !ValidStrategyName(name) {
			return nil, NewInvalidRequestError(fmt.Sprintf("strategies[%d]", i),
				fmt.Sprintf("invalid strategy name %q (allowed: letters, digits, '_' and '-', up to 64 characters)", name))
		}
		if seen[name] {
			return nil, NewInvalidRequestError(fmt.Sprintf("strategies[%d]", i),
				fmt.Sprintf("duplicate strategy name %q", name))
		}
		seen[name] = true
		req.Strategies = append(req.Strategies, name)
	}

	return req, nil
}

// ValidStrategyName reports whether name can be used as a strategy name.
func ValidStrategyName(name string) bool {
	return strategyNamePattern.MatchString(name)
}
