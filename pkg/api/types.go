package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func init() {
	// Chart clients consume statistics and PnL values as bare JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// RunState is a stage of the per-run state machine.
type RunState string

const (
	RunStateRequested        RunState = "requested"
	RunStateAllocating       RunState = "allocating"
	RunStateInvoking         RunState = "invoking"
	RunStateParsingArtifacts RunState = "parsing_artifacts"
	RunStateRegistering      RunState = "registering"
	RunStateCompleted        RunState = "completed"
	RunStateFailed           RunState = "failed"
)

// ArtifactKind names one of the tabular files a backend writes per strategy.
type ArtifactKind string

const (
	ArtifactKindTimeSeries ArtifactKind = "time_series"
	ArtifactKindStatistics ArtifactKind = "statistics"
)

// ParseArtifactKind maps a client-supplied kind to an ArtifactKind.
// "pnl" is accepted as an alias of time_series.
func ParseArtifactKind(s string) (ArtifactKind, *APIError) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "time_series", "pnl":
		return ArtifactKindTimeSeries, nil
	case "statistics":
		return ArtifactKindStatistics, nil
	default:
		return "", NewInvalidRequestError("kind",
			fmt.Sprintf("unknown artifact kind %q (supported: time_series, pnl, statistics)", s))
	}
}

// RunRequestPayload is the run request exactly as a client sent it.
// Numeric fields accept JSON numbers or numeric strings; an omitted field
// takes its configured default during validation.
type RunRequestPayload struct {
	NumTicks       json.Number `json:"num_ticks,omitempty"`
	InitialCapital json.Number `json:"initial_capital,omitempty"`
	Strategies     []string    `json:"strategies,omitempty"`
}

// RunRequest holds validated run parameters. It is constructed per incoming
// request by ParseRunRequest and discarded after the run completes.
type RunRequest struct {
	TickCount      int             `json:"num_ticks"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Strategies     []string        `json:"strategies"`
}

// StrategyResult holds the parsed artifacts of one strategy.
type StrategyResult struct {
	Statistics    map[string]decimal.Decimal `json:"statistics"`
	FinalPnL      decimal.Decimal            `json:"final_pnl"`
	HasTimeSeries bool                       `json:"has_pnl"`
}

// RunResult is the outcome of a single run. A successful result always
// carries a SessionID; a failed result always carries an Error.
type RunResult struct {
	RunID          string                     `json:"run_id"`
	Success        bool                       `json:"success"`
	State          RunState                   `json:"state"`
	Results        map[string]*StrategyResult `json:"results,omitempty"`
	StrategyErrors map[string]*APIError       `json:"strategy_errors,omitempty"`
	ElapsedTime    float64                    `json:"elapsed_time"`
	Output         string                     `json:"output"`
	SessionID      string                     `json:"session_key,omitempty"`
	Error          *APIError                  `json:"error,omitempty"`
	CreatedAt      int64                      `json:"created_at"`
}

// SeriesPoint is one row of a time-series artifact.
type SeriesPoint struct {
	Index int             `json:"index"`
	PnL   decimal.Decimal `json:"pnl"`
}

// TimeSeries is the column-oriented chart form of a time series.
type TimeSeries struct {
	Index []int             `json:"index"`
	PnL   []decimal.Decimal `json:"pnl"`
}

// NewTimeSeries converts ordered points into chart columns. The result
// never holds nil slices so it always serializes as arrays.
func NewTimeSeries(points []SeriesPoint) *TimeSeries {
	ts := &TimeSeries{
		Index: make([]int, 0, len(points)),
		PnL:   make([]decimal.Decimal, 0, len(points)),
	}
	for _, p := range points {
		ts.Index = append(ts.Index, p.Index)
		ts.PnL = append(ts.PnL, p.PnL)
	}
	return ts
}

// SessionInfo describes a registered session.
type SessionInfo struct {
	ID         string   `json:"id"`
	RunID      string   `json:"run_id"`
	Strategies []string `json:"strategies"`
	CreatedAt  int64    `json:"created_at"`
}

// ResultRef addresses one strategy's results. An empty SessionID resolves
// the strategy through its current owner (last writer wins); a non-empty
// SessionID pins the lookup to that session.
type ResultRef struct {
	SessionID string
	Strategy  string
}

// String formats the reference for messages.
func (r ResultRef) String() string {
	if r.SessionID == "" {
		return r.Strategy
	}
	return r.SessionID + "/" + r.Strategy
}
