// Package api defines the core types for the backtestd run orchestrator.
//
// This package provides the request and result types exchanged with
// clients, the structured error taxonomy, session identifier generation,
// request validation, and the run state machine.
//
// The package performs no I/O. Decimal values use shopspring/decimal so
// that numbers read from backend artifacts survive a round trip without
// float rounding.
//
// Core types:
//   - [RunRequestPayload]: Loosely typed client payload, as received
//   - [RunRequest]: Validated run parameters
//   - [RunResult]: Outcome of a single run, successful or failed
//   - [StrategyResult]: Parsed per-strategy statistics and final PnL
//   - [APIError]: Structured error with type, code, param, and message
package api
