// Package journal records the outcome of every run for operators. The
// journal is an audit trail only: it never makes a session resolvable
// again after a restart.
//
// Implementations live in the memory and postgres subpackages. Nop is
// used when the journal is disabled.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
)

// ErrConflict is returned when an entry with the same run ID already exists.
var ErrConflict = errors.New("run already recorded")

// Entry is one journaled run.
type Entry struct {
	RunID          string          `json:"run_id"`
	SessionID      string          `json:"session_key,omitempty"`
	Success        bool            `json:"success"`
	State          api.RunState    `json:"state"`
	TickCount      int             `json:"num_ticks"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Strategies     []string        `json:"strategies"`
	Backend        string          `json:"backend"`
	ExitCode       int             `json:"exit_code"`
	ErrorType      string          `json:"error_type,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ElapsedSeconds float64         `json:"elapsed_time"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewEntry builds an entry from a finished run. req may be nil when the
// run failed validation.
func NewEntry(req *api.RunRequest, res *api.RunResult, backend string, exitCode int) *Entry {
	e := &Entry{
		RunID:          res.RunID,
		SessionID:      res.SessionID,
		Success:        res.Success,
		State:          res.State,
		Backend:        backend,
		ExitCode:       exitCode,
		ElapsedSeconds: res.ElapsedTime,
		CreatedAt:      time.Unix(res.CreatedAt, 0).UTC(),
		Strategies:     []string{},
	}
	if req != nil {
		e.TickCount = req.TickCount
		e.InitialCapital = req.InitialCapital
		e.Strategies = append(e.Strategies, req.Strategies...)
	}
	if res.Error != nil {
		e.ErrorType = string(res.Error.Type)
		e.ErrorMessage = res.Error.Message
	}
	return e
}

// ListOptions filters List results.
type ListOptions struct {
	// Limit caps the number of entries (default 20, max 100).
	Limit int
	// Status is "completed", "failed", or empty for both.
	Status string
}

// Normalize applies defaults and bounds.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// Matches reports whether e passes the status filter.
func (o ListOptions) Matches(e *Entry) bool {
	switch o.Status {
	case "completed":
		return e.Success
	case "failed":
		return !e.Success
	default:
		return true
	}
}

// Journal stores run entries, newest first.
type Journal interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, opts ListOptions) ([]*Entry, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Nop discards entries.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) Record(context.Context, *Entry) error { return nil }

func (Nop) List(context.Context, ListOptions) ([]*Entry, error) { return []*Entry{}, nil }

func (Nop) HealthCheck(context.Context) error { return nil }

func (Nop) Close() error { return nil }
