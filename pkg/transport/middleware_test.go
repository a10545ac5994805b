package transport

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/rhuss/backtestd/pkg/api"
)

func okRunner() Runner {
	return RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
		return &api.RunResult{RunID: "run_ok", Success: true, State: api.RunStateCompleted, SessionID: "sess_ok"}
	})
}

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Runner) Runner {
			return RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
				order = append(order, name+":before")
				res := next.Run(ctx, req)
				order = append(order, name+":after")
				return res
			})
		}
	}

	handler := RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
		order = append(order, "handler")
		return &api.RunResult{}
	})

	wrapped := Chain(mw("first"), mw("second"), mw("third"))(handler)
	wrapped.Run(context.Background(), &api.RunRequestPayload{})

	expected := []string{
		"first:before", "second:before", "third:before",
		"handler",
		"third:after", "second:after", "first:after",
	}

	if len(order) != len(expected) {
		t.Fatalf("execution order length = %d, want %d: %v", len(order), len(expected), order)
	}
	for i, got := range order {
		if got != expected[i] {
			t.Errorf("order[%d] = %q, want %q", i, got, expected[i])
		}
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	handler := RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
		panic("test panic")
	})

	res := Recovery()(handler).Run(context.Background(), &api.RunRequestPayload{})

	if res == nil {
		t.Fatal("expected a failed result after panic, got nil")
	}
	if res.Success {
		t.Error("expected success=false")
	}
	if res.State != api.RunStateFailed {
		t.Errorf("state = %q, want %q", res.State, api.RunStateFailed)
	}
	if res.Error == nil || res.Error.Type != api.ErrorTypeServerError {
		t.Fatalf("error = %+v, want server_error", res.Error)
	}
	if !strings.Contains(res.Error.Message, "test panic") {
		t.Errorf("error message = %q, should contain %q", res.Error.Message, "test panic")
	}
	if !api.ValidateRunID(res.RunID) {
		t.Errorf("run ID %q is not valid", res.RunID)
	}
}

func TestRecoveryPassesThroughNormalExecution(t *testing.T) {
	res := Recovery()(okRunner()).Run(context.Background(), &api.RunRequestPayload{})
	if !res.Success {
		t.Fatalf("unexpected failure: %+v", res.Error)
	}
}

func TestRequestIDGeneratesNewID(t *testing.T) {
	var capturedID string

	handler := RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
		capturedID = RequestIDFromContext(ctx)
		return &api.RunResult{}
	})

	RequestID()(handler).Run(context.Background(), &api.RunRequestPayload{})

	if len(capturedID) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("request ID length = %d, want 32 (hex encoded)", len(capturedID))
	}
}

func TestRequestIDPropagatesExisting(t *testing.T) {
	var capturedID string

	handler := RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
		capturedID = RequestIDFromContext(ctx)
		return &api.RunResult{}
	})

	ctx := ContextWithRequestID(context.Background(), "existing-id-123")
	RequestID()(handler).Run(ctx, &api.RunRequestPayload{})

	if capturedID != "existing-id-123" {
		t.Errorf("request ID = %q, want %q", capturedID, "existing-id-123")
	}
}

func TestLoggingEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := ContextWithRequestID(context.Background(), "req-log-test")
	Logging(logger)(okRunner()).Run(ctx, &api.RunRequestPayload{})

	output := buf.String()
	for _, expected := range []string{"request_id=req-log-test", "run_id=run_ok", "session_id=sess_ok", "request completed"} {
		if !strings.Contains(output, expected) {
			t.Errorf("log output missing %q in:\n%s", expected, output)
		}
	}
}

func TestLoggingEmitsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
		return &api.RunResult{
			RunID: "run_bad",
			State: api.RunStateFailed,
			Error: api.NewExecutionFailure(1, "engine crashed"),
		}
	})

	Logging(logger)(handler).Run(context.Background(), &api.RunRequestPayload{})

	output := buf.String()
	for _, expected := range []string{"request failed", "error_type=execution_failure", "engine crashed"} {
		if !strings.Contains(output, expected) {
			t.Errorf("log output missing %q in:\n%s", expected, output)
		}
	}
}
