// Package orchestrator runs backtests end to end. A run moves through
// requested, allocating, invoking, parsing_artifacts, and registering to
// completed, or to failed from any of them.
//
// A run is synchronous: Run blocks until the backend exits or its timeout
// fires. The only cancellation trigger is that timeout; a client that
// disconnects does not stop a run. Failed runs never register a session
// and their output directory is removed before Run returns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rhuss/backtestd/pkg/api"
	"github.com/rhuss/backtestd/pkg/artifact"
	"github.com/rhuss/backtestd/pkg/debug"
	"github.com/rhuss/backtestd/pkg/journal"
	"github.com/rhuss/backtestd/pkg/observability"
	"github.com/rhuss/backtestd/pkg/sandbox"
	"github.com/rhuss/backtestd/pkg/session"
	"github.com/rhuss/backtestd/pkg/transport"
)

// journalTimeout bounds the journal write after a run.
const journalTimeout = 5 * time.Second

// Orchestrator implements transport.Runner.
type Orchestrator struct {
	invoker  sandbox.Invoker
	registry *session.Registry
	journal  journal.Journal
	cfg      Config

	now       func() time.Time
	mkdirTemp func(dir, pattern string) (string, error)
}

// Ensure Orchestrator implements transport.Runner at compile time.
var _ transport.Runner = (*Orchestrator)(nil)

// New creates an Orchestrator. The invoker and registry must not be nil.
// A nil journal disables journaling.
func New(inv sandbox.Invoker, reg *session.Registry, j journal.Journal, cfg Config) (*Orchestrator, error) {
	if inv == nil {
		return nil, fmt.Errorf("orchestrator: invoker must not be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("orchestrator: session registry must not be nil")
	}
	if j == nil {
		j = journal.Nop{}
	}
	return &Orchestrator{
		invoker:   inv,
		registry:  reg,
		journal:   j,
		cfg:       cfg,
		now:       time.Now,
		mkdirTemp: os.MkdirTemp,
	}, nil
}

// run carries the mutable state of one run.
type run struct {
	res      *api.RunResult
	req      *api.RunRequest
	dir      string
	exitCode int
	start    time.Time
}

// advance moves the run to the next state. An invalid transition is a
// programming error and fails the run.
func (r *run) advance(to api.RunState) *api.APIError {
	if apiErr := api.ValidateRunTransition(r.res.State, to); apiErr != nil {
		return apiErr
	}
	debug.Log("orchestrator", "run state", "run_id", r.res.RunID, "from", r.res.State, "to", to)
	r.res.State = to
	return nil
}

// Run executes one backtest. The result is never nil: it is either
// completed with a session ID or failed with an error.
func (o *Orchestrator) Run(ctx context.Context, payload *api.RunRequestPayload) *api.RunResult {
	observability.RunsInFlight.Inc()
	defer observability.RunsInFlight.Dec()

	r := &run{
		res: &api.RunResult{
			RunID:     api.NewRunID(),
			CreatedAt: o.now().Unix(),
		},
		start: o.now(),
	}
	if apiErr := r.advance(api.RunStateRequested); apiErr != nil {
		return o.fail(ctx, r, apiErr)
	}

	if apiErr := o.execute(ctx, r, payload); apiErr != nil {
		return o.fail(ctx, r, apiErr)
	}

	o.finish(ctx, r)
	slog.Info("run completed",
		"run_id", r.res.RunID,
		"session_id", r.res.SessionID,
		"strategies", r.req.Strategies,
		"elapsed", r.res.ElapsedTime,
	)
	return r.res
}

// execute drives the run from requested to completed.
func (o *Orchestrator) execute(ctx context.Context, r *run, payload *api.RunRequestPayload) *api.APIError {
	req, apiErr := api.ParseRunRequest(payload, o.cfg.Validation)
	if apiErr != nil {
		return apiErr
	}
	r.req = req

	if apiErr := r.advance(api.RunStateAllocating); apiErr != nil {
		return apiErr
	}
	dir, err := o.mkdirTemp(o.cfg.WorkDir, "backtest_")
	if err != nil {
		return api.NewResourceError(fmt.Sprintf("creating run output directory: %v", err))
	}
	r.dir = dir

	if apiErr := r.advance(api.RunStateInvoking); apiErr != nil {
		return apiErr
	}
	result, apiErr := o.invoke(ctx, r)
	if apiErr != nil {
		return apiErr
	}
	r.res.Output = result.Stdout

	if apiErr := r.advance(api.RunStateParsingArtifacts); apiErr != nil {
		return apiErr
	}
	parsed, apiErr := o.parseArtifacts(r)
	if apiErr != nil {
		return apiErr
	}

	if apiErr := r.advance(api.RunStateRegistering); apiErr != nil {
		return apiErr
	}
	id := o.registry.Allocate(r.res.RunID, r.dir)
	if err := o.registry.Register(parsed, id); err != nil {
		// The session was evicted between allocation and registration.
		return api.NewServerError(fmt.Sprintf("registering session %s: %v", id, err))
	}
	r.res.SessionID = id

	if apiErr := r.advance(api.RunStateCompleted); apiErr != nil {
		return apiErr
	}
	r.res.Success = true
	return nil
}

// invoke runs the backend and classifies its outcome.
func (o *Orchestrator) invoke(ctx context.Context, r *run) (*sandbox.Result, *api.APIError) {
	kind := o.invoker.Kind()
	inv := &sandbox.Invocation{
		RunID:          r.res.RunID,
		TickCount:      r.req.TickCount,
		InitialCapital: r.req.InitialCapital,
		Strategies:     r.req.Strategies,
		OutputDir:      r.dir,
		Timeout:        o.cfg.timeout(),
	}

	slog.Info("run started",
		"run_id", r.res.RunID,
		"backend", kind,
		"num_ticks", r.req.TickCount,
		"initial_capital", r.req.InitialCapital.String(),
		"strategies", r.req.Strategies,
	)

	// Only the backend timeout cancels a run.
	result, err := o.invoker.Invoke(context.WithoutCancel(ctx), inv)
	if err != nil {
		observability.BackendInvocationsTotal.WithLabelValues(kind, "error").Inc()
		slog.Error("backend invocation failed", "run_id", r.res.RunID, "backend", kind, "error", err)
		if errors.Is(err, sandbox.ErrSandboxAtCapacity) {
			return nil, api.NewTooManyRequestsError("sandbox at capacity, retry later")
		}
		return nil, &api.APIError{
			Type:    api.ErrorTypeExecutionFailure,
			Code:    "backend_unavailable",
			Message: err.Error(),
		}
	}

	r.exitCode = result.ExitCode
	r.res.ElapsedTime = result.Elapsed.Seconds()
	observability.BackendLatency.WithLabelValues(kind).Observe(result.Elapsed.Seconds())

	slog.Info("backend finished",
		"run_id", r.res.RunID,
		"exit_code", result.ExitCode,
		"elapsed", result.Elapsed,
		"timed_out", result.TimedOut,
	)
	debug.Raw("orchestrator", "backend stdout", debug.Truncate(result.Stdout, 200))
	debug.Raw("orchestrator", "backend stderr", debug.Truncate(result.Stderr, 200))

	switch {
	case result.TimedOut:
		observability.BackendInvocationsTotal.WithLabelValues(kind, "timeout").Inc()
		return nil, api.NewTimeoutError(timeoutMessage(inv.Timeout, result.Stderr))
	case result.ExitCode != 0:
		observability.BackendInvocationsTotal.WithLabelValues(kind, "exit_error").Inc()
		return nil, api.NewExecutionFailure(result.ExitCode, result.Stderr)
	}
	observability.BackendInvocationsTotal.WithLabelValues(kind, "ok").Inc()
	return result, nil
}

// timeoutMessage always names the timeout; captured stderr follows it.
func timeoutMessage(timeout time.Duration, stderr string) string {
	msg := fmt.Sprintf("backend timed out after %s", timeout)
	if s := strings.TrimSpace(stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// parseArtifacts reads each strategy's artifacts. A strategy whose
// artifacts are malformed is reported in StrategyErrors and left out of
// the returned names; the run fails only when no strategy parsed.
func (o *Orchestrator) parseArtifacts(r *run) ([]string, *api.APIError) {
	r.res.Results = make(map[string]*api.StrategyResult, len(r.req.Strategies))
	parsed := make([]string, 0, len(r.req.Strategies))
	var firstErr *api.APIError

	for _, name := range r.req.Strategies {
		sr, apiErr := o.parseStrategy(r.dir, name)
		if apiErr != nil {
			if r.res.StrategyErrors == nil {
				r.res.StrategyErrors = make(map[string]*api.APIError)
			}
			r.res.StrategyErrors[name] = apiErr
			if firstErr == nil {
				firstErr = apiErr
			}
			slog.Warn("strategy artifacts rejected", "run_id", r.res.RunID, "strategy", name, "error", apiErr.Message)
			continue
		}
		r.res.Results[name] = sr
		parsed = append(parsed, name)
	}

	if len(parsed) == 0 {
		return nil, api.NewParseError(firstErr.Param,
			fmt.Sprintf("no strategy artifacts could be parsed: %s", firstErr.Message))
	}
	return parsed, nil
}

func (o *Orchestrator) parseStrategy(dir, name string) (*api.StrategyResult, *api.APIError) {
	stats, _, err := artifact.ParseStatistics(filepath.Join(dir, artifact.StatisticsFile(name)))
	if err != nil {
		return nil, artifactError(api.ArtifactKindStatistics, err)
	}
	points, hasSeries, err := artifact.ParseTimeSeries(filepath.Join(dir, artifact.TimeSeriesFile(name)))
	if err != nil {
		return nil, artifactError(api.ArtifactKindTimeSeries, err)
	}
	debug.Log("artifacts", "strategy parsed", "strategy", name, "metrics", len(stats), "points", len(points))
	return &api.StrategyResult{
		Statistics:    stats,
		FinalPnL:      artifact.FinalPnL(points, o.cfg.DefaultFinalPnL),
		HasTimeSeries: hasSeries,
	}, nil
}

func artifactError(kind api.ArtifactKind, err error) *api.APIError {
	observability.ArtifactParseErrorsTotal.WithLabelValues(string(kind)).Inc()
	var pe *artifact.ParseError
	if errors.As(err, &pe) {
		return pe.APIError()
	}
	return api.NewParseError(string(kind), err.Error())
}

// fail moves the run to failed, removes its output directory, and records
// the outcome.
func (o *Orchestrator) fail(ctx context.Context, r *run, apiErr *api.APIError) *api.RunResult {
	if r.res.State != "" && !r.res.State.IsTerminal() {
		r.res.State = api.RunStateFailed
	}
	r.res.Success = false
	r.res.Error = apiErr
	r.res.Output = ""
	r.res.Results = nil
	r.res.SessionID = ""
	if r.res.ElapsedTime == 0 {
		r.res.ElapsedTime = time.Since(r.start).Seconds()
	}

	if r.dir != "" {
		if err := os.RemoveAll(r.dir); err != nil {
			slog.Warn("failed to remove run directory", "run_id", r.res.RunID, "dir", r.dir, "error", err)
		}
	}

	o.finish(ctx, r)
	slog.Warn("run failed",
		"run_id", r.res.RunID,
		"state", r.res.State,
		"error_type", r.res.Error.Type,
		"error", debug.Truncate(r.res.Error.Message, 200),
	)
	return r.res
}

// finish records metrics and the journal entry for a finished run.
func (o *Orchestrator) finish(ctx context.Context, r *run) {
	status := "completed"
	if r.res.Error != nil {
		status = string(r.res.Error.Type)
	}
	observability.RunsTotal.WithLabelValues(status).Inc()
	observability.RunDuration.Observe(time.Since(r.start).Seconds())

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := o.journal.Record(jctx, journal.NewEntry(r.req, r.res, o.invoker.Kind(), r.exitCode)); err != nil {
		slog.Warn("failed to journal run", "run_id", r.res.RunID, "error", err)
	}
}
