package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
	"github.com/rhuss/backtestd/pkg/journal"
	"github.com/rhuss/backtestd/pkg/journal/memory"
	"github.com/rhuss/backtestd/pkg/sandbox"
	"github.com/rhuss/backtestd/pkg/session"
)

// fakeInvoker writes canned artifacts into the output directory and
// returns a canned result.
type fakeInvoker struct {
	mu     sync.Mutex
	files  map[string]string
	result sandbox.Result
	err    error
	calls  []*sandbox.Invocation
	ctxErr error
}

func (f *fakeInvoker) Kind() string { return "fake" }

func (f *fakeInvoker) Invoke(ctx context.Context, inv *sandbox.Invocation) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return nil, f.err
	}
	for name, content := range f.files {
		if err := os.WriteFile(filepath.Join(inv.OutputDir, name), []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	res := f.result
	if res.Elapsed == 0 {
		res.Elapsed = 250 * time.Millisecond
	}
	return &res, nil
}

func (f *fakeInvoker) lastCall(t *testing.T) *sandbox.Invocation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("invoker was not called")
	}
	return f.calls[len(f.calls)-1]
}

func newTestOrchestrator(t *testing.T, inv sandbox.Invoker) (*Orchestrator, *session.Registry, *memory.Journal) {
	t.Helper()
	reg := session.New(0)
	j := memory.New(100)
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.Timeout = 5 * time.Second
	o, err := New(inv, reg, j, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, reg, j
}

func payload(ticks, capital string, strategies ...string) *api.RunRequestPayload {
	return &api.RunRequestPayload{
		NumTicks:       json.Number(ticks),
		InitialCapital: json.Number(capital),
		Strategies:     strategies,
	}
}

func dirEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(nil, session.New(0), nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil invoker")
	}
	if _, err := New(&fakeInvoker{}, nil, nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil registry")
	}
	o, err := New(&fakeInvoker{}, session.New(0), nil, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := o.journal.(journal.Nop); !ok {
		t.Errorf("nil journal should default to Nop, got %T", o.journal)
	}
	if o.cfg.timeout() != 60*time.Second {
		t.Errorf("default timeout = %v, want 60s", o.cfg.timeout())
	}
}

func TestRunSuccess(t *testing.T) {
	inv := &fakeInvoker{
		files: map[string]string{
			"Mean_Reversion_statistics.csv": "Metric,Value\nSharpe,1.2\n",
			"Mean_Reversion_pnl.csv":        "Index,PnL\n0,5000\n1,5120\n",
		},
		result: sandbox.Result{Stdout: "backtest done\n"},
	}
	o, reg, j := newTestOrchestrator(t, inv)

	res := o.Run(context.Background(), payload("500", "5000", "Mean_Reversion"))

	if !res.Success {
		t.Fatalf("expected success, got error %+v", res.Error)
	}
	if res.State != api.RunStateCompleted {
		t.Errorf("state = %q, want completed", res.State)
	}
	if !api.ValidateSessionID(res.SessionID) {
		t.Errorf("session ID %q is not valid", res.SessionID)
	}
	if res.Output != "backtest done\n" {
		t.Errorf("output = %q", res.Output)
	}
	if res.ElapsedTime != 0.25 {
		t.Errorf("elapsed = %v, want 0.25", res.ElapsedTime)
	}

	sr := res.Results["Mean_Reversion"]
	if sr == nil {
		t.Fatal("missing Mean_Reversion result")
	}
	if !sr.Statistics["Sharpe"].Equal(decimal.RequireFromString("1.2")) {
		t.Errorf("Sharpe = %s, want 1.2", sr.Statistics["Sharpe"])
	}
	if !sr.FinalPnL.Equal(decimal.NewFromInt(5120)) {
		t.Errorf("final PnL = %s, want 5120", sr.FinalPnL)
	}
	if !sr.HasTimeSeries {
		t.Error("expected has_pnl=true")
	}

	call := inv.lastCall(t)
	if call.TickCount != 500 || !call.InitialCapital.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("invocation params = %d / %s", call.TickCount, call.InitialCapital)
	}
	if call.Timeout != 5*time.Second {
		t.Errorf("invocation timeout = %v", call.Timeout)
	}

	id, err := reg.Resolve("Mean_Reversion")
	if err != nil || id != res.SessionID {
		t.Errorf("Resolve = %q, %v; want %q", id, err, res.SessionID)
	}
	dir, err := reg.DirectoryOf(res.SessionID)
	if err != nil {
		t.Fatalf("DirectoryOf: %v", err)
	}
	if dir != call.OutputDir {
		t.Errorf("session dir = %q, want %q", dir, call.OutputDir)
	}
	if _, err := os.Stat(filepath.Join(dir, "Mean_Reversion_pnl.csv")); err != nil {
		t.Errorf("session directory must outlive the run: %v", err)
	}

	entries, _ := j.List(context.Background(), journal.ListOptions{})
	if len(entries) != 1 || !entries[0].Success || entries[0].SessionID != res.SessionID || entries[0].Backend != "fake" {
		t.Errorf("journal entries = %+v", entries)
	}
}

func TestRunDefaultsAndMissingArtifacts(t *testing.T) {
	inv := &fakeInvoker{}
	o, _, _ := newTestOrchestrator(t, inv)

	res := o.Run(context.Background(), &api.RunRequestPayload{})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}

	call := inv.lastCall(t)
	if call.TickCount != 1000 || !call.InitialCapital.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("defaults not applied: %d / %s", call.TickCount, call.InitialCapital)
	}
	if len(call.Strategies) != 3 {
		t.Errorf("default strategies = %v", call.Strategies)
	}

	for _, name := range call.Strategies {
		sr := res.Results[name]
		if sr == nil {
			t.Fatalf("missing result for %s", name)
		}
		if !sr.FinalPnL.Equal(decimal.NewFromInt(10000)) {
			t.Errorf("%s final PnL = %s, want the 10000 baseline", name, sr.FinalPnL)
		}
		if sr.HasTimeSeries {
			t.Errorf("%s has_pnl = true, want false", name)
		}
		if len(sr.Statistics) != 0 {
			t.Errorf("%s statistics = %v, want empty", name, sr.Statistics)
		}
	}
}

func TestRunExecutionFailure(t *testing.T) {
	inv := &fakeInvoker{result: sandbox.Result{ExitCode: 1, Stderr: "segfault", Stdout: "partial"}}
	o, reg, j := newTestOrchestrator(t, inv)

	res := o.Run(context.Background(), payload("500", "5000", "Mean_Reversion"))

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.State != api.RunStateFailed {
		t.Errorf("state = %q, want failed", res.State)
	}
	if res.Error == nil || res.Error.Type != api.ErrorTypeExecutionFailure {
		t.Fatalf("error = %+v, want execution_failure", res.Error)
	}
	if res.Error.Code != "exit_1" || res.Error.Message != "segfault" {
		t.Errorf("error = %+v", res.Error)
	}
	if res.SessionID != "" || res.Output != "" {
		t.Errorf("failed run leaked session %q / output %q", res.SessionID, res.Output)
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d sessions, want 0", reg.Len())
	}
	if _, err := reg.Resolve("Mean_Reversion"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Resolve err = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(inv.lastCall(t).OutputDir); !os.IsNotExist(err) {
		t.Errorf("failed run directory should be removed, stat err = %v", err)
	}

	entries, _ := j.List(context.Background(), journal.ListOptions{Status: "failed"})
	if len(entries) != 1 || entries[0].ExitCode != 1 || entries[0].ErrorType != "execution_failure" {
		t.Errorf("journal entries = %+v", entries)
	}
}

func TestRunTimeout(t *testing.T) {
	tests := []struct {
		name    string
		stderr  string
		wantMsg string
	}{
		{name: "silent backend", wantMsg: "backend timed out after 5s"},
		{name: "backend wrote stderr", stderr: "loading ticks\n", wantMsg: "backend timed out after 5s: loading ticks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{result: sandbox.Result{ExitCode: -1, TimedOut: true, Stderr: tt.stderr}}
			o, reg, _ := newTestOrchestrator(t, inv)

			res := o.Run(context.Background(), payload("500", "5000", "Spread"))

			if res.Success || res.Error == nil || res.Error.Type != api.ErrorTypeTimeout {
				t.Fatalf("result = %+v, want timeout", res)
			}
			if res.Error.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", res.Error.Message, tt.wantMsg)
			}
			if reg.Len() != 0 {
				t.Error("timed out run must not register a session")
			}
		})
	}
}

func TestRunInvokerErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType api.ErrorType
		wantCode string
	}{
		{"backend unavailable", errors.New("starting backend: exec: docker: not found"), api.ErrorTypeExecutionFailure, "backend_unavailable"},
		{"sandbox at capacity", sandbox.ErrSandboxAtCapacity, api.ErrorTypeTooManyRequests, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, reg, _ := newTestOrchestrator(t, &fakeInvoker{err: tt.err})
			res := o.Run(context.Background(), payload("500", "5000", "Spread"))
			if res.Success || res.Error == nil {
				t.Fatalf("expected failure, got %+v", res)
			}
			if res.Error.Type != tt.wantType || res.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want type %q code %q", res.Error, tt.wantType, tt.wantCode)
			}
			if reg.Len() != 0 {
				t.Error("failed run must not register a session")
			}
		})
	}
}

func TestRunInvalidRequest(t *testing.T) {
	inv := &fakeInvoker{}
	o, _, j := newTestOrchestrator(t, inv)

	res := o.Run(context.Background(), payload("abc", "5000", "Spread"))

	if res.Success || res.Error == nil || res.Error.Type != api.ErrorTypeInvalidRequest {
		t.Fatalf("result = %+v, want invalid_request", res)
	}
	if res.Error.Param != "num_ticks" {
		t.Errorf("param = %q, want num_ticks", res.Error.Param)
	}
	if res.State != api.RunStateFailed {
		t.Errorf("state = %q, want failed", res.State)
	}
	if len(inv.calls) != 0 {
		t.Error("invoker must not be called for invalid requests")
	}
	if n := dirEntries(t, o.cfg.WorkDir); n != 0 {
		t.Errorf("work dir has %d entries, want 0", n)
	}
	if j.Len() != 1 {
		t.Errorf("journal has %d entries, want 1", j.Len())
	}
}

func TestRunResourceError(t *testing.T) {
	inv := &fakeInvoker{}
	o, _, _ := newTestOrchestrator(t, inv)
	o.mkdirTemp = func(string, string) (string, error) {
		return "", errors.New("no space left on device")
	}

	res := o.Run(context.Background(), payload("500", "5000", "Spread"))

	if res.Success || res.Error == nil || res.Error.Type != api.ErrorTypeResourceError {
		t.Fatalf("result = %+v, want resource_error", res)
	}
	if len(inv.calls) != 0 {
		t.Error("invoker must not be called without an output directory")
	}
}

func TestRunPartialParseFailure(t *testing.T) {
	inv := &fakeInvoker{
		files: map[string]string{
			"Spread_statistics.csv":         "Metric,Value\nSharpe,0.7\n",
			"Breakout_Win20_statistics.csv": "Metric,Value\nSharpe,not-a-number\n",
		},
	}
	o, reg, _ := newTestOrchestrator(t, inv)

	res := o.Run(context.Background(), payload("500", "5000", "Spread", "Breakout_Win20"))

	if !res.Success {
		t.Fatalf("expected partial success, got %+v", res.Error)
	}
	if _, ok := res.Results["Spread"]; !ok {
		t.Error("missing Spread result")
	}
	if _, ok := res.Results["Breakout_Win20"]; ok {
		t.Error("malformed strategy must be omitted from results")
	}
	perr := res.StrategyErrors["Breakout_Win20"]
	if perr == nil || perr.Type != api.ErrorTypeParseError || perr.Param != "Breakout_Win20_statistics.csv" {
		t.Errorf("strategy error = %+v", perr)
	}

	if _, err := reg.Resolve("Spread"); err != nil {
		t.Errorf("Resolve(Spread): %v", err)
	}
	if _, err := reg.Resolve("Breakout_Win20"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Resolve(Breakout_Win20) err = %v, want ErrNotFound", err)
	}
}

func TestRunAllStrategiesMalformed(t *testing.T) {
	inv := &fakeInvoker{
		files: map[string]string{"Spread_pnl.csv": "Index,PnL\nx,1\n"},
	}
	o, reg, _ := newTestOrchestrator(t, inv)

	res := o.Run(context.Background(), payload("500", "5000", "Spread"))

	if res.Success || res.Error == nil || res.Error.Type != api.ErrorTypeParseError {
		t.Fatalf("result = %+v, want parse_error", res)
	}
	if res.Error.Param != "Spread_pnl.csv" {
		t.Errorf("param = %q", res.Error.Param)
	}
	if reg.Len() != 0 {
		t.Error("no session should be registered")
	}
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	inv := &fakeInvoker{}
	o, _, _ := newTestOrchestrator(t, inv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := o.Run(ctx, payload("500", "5000", "Spread"))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if inv.ctxErr != nil {
		t.Errorf("invoker context was cancelled: %v", inv.ctxErr)
	}
}

func TestRunSessionIDsAreUnique(t *testing.T) {
	inv := &fakeInvoker{}
	o, reg, _ := newTestOrchestrator(t, inv)

	const runs = 20
	ids := make(chan string, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.Run(context.Background(), payload("100", "1000", "Spread"))
			ids <- res.SessionID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if id == "" {
			t.Fatal("run returned no session ID")
		}
		if seen[id] {
			t.Fatalf("duplicate session ID %s", id)
		}
		seen[id] = true
	}
	if reg.Len() != runs {
		t.Errorf("registry has %d sessions, want %d", reg.Len(), runs)
	}
}
