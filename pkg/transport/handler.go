package transport

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
)

// Runner executes one backtest run per call. The returned result is never
// nil: it is either successful with a session ID or failed with an error.
type Runner interface {
	Run(ctx context.Context, req *api.RunRequestPayload) *api.RunResult
}

// RunnerFunc is an adapter that allows using an ordinary function as a
// Runner.
type RunnerFunc func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult

// Run calls f(ctx, req).
func (f RunnerFunc) Run(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
	return f(ctx, req)
}

// File is a downloadable artifact or rendered report. The receiver of a
// File must call Close.
type File struct {
	Name        string
	ContentType string
	ModTime     time.Time
	Content     io.ReadSeeker
}

// Close releases the underlying content if it holds a resource.
func (f *File) Close() error {
	if c, ok := f.Content.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ResultReader serves the artifacts of registered sessions. Errors are
// *api.APIError values: not_found when the strategy or session is not
// registered or the artifact is absent, parse_error for malformed
// artifacts.
type ResultReader interface {
	TimeSeries(ctx context.Context, ref api.ResultRef) (*api.TimeSeries, error)
	Statistics(ctx context.Context, ref api.ResultRef) (map[string]decimal.Decimal, error)
	Download(ctx context.Context, ref api.ResultRef, kind api.ArtifactKind) (*File, error)
	Export(ctx context.Context, ref api.ResultRef, format string) (*File, error)
}

// SessionManager lists and releases registered sessions.
type SessionManager interface {
	ListSessions(ctx context.Context) []api.SessionInfo
	ReleaseSession(ctx context.Context, id string) error
}
