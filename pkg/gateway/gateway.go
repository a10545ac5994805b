// Package gateway serves the artifacts of registered sessions: parsed
// statistics and time series, raw artifact downloads, and rendered reports.
//
// Every read resolves its session through the session registry. A
// reference without a session ID resolves the strategy to whichever
// session currently owns it; a reference with a session ID reads that
// session only, so concurrent runs of the same strategy stay retrievable
// independently.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
	"github.com/rhuss/backtestd/pkg/artifact"
	"github.com/rhuss/backtestd/pkg/debug"
	"github.com/rhuss/backtestd/pkg/observability"
	"github.com/rhuss/backtestd/pkg/report"
	"github.com/rhuss/backtestd/pkg/session"
	"github.com/rhuss/backtestd/pkg/transport"
)

// CSVContentType is the content type of raw artifact downloads.
const CSVContentType = "text/csv"

// Gateway implements transport.ResultReader and transport.SessionManager
// on top of a session registry.
type Gateway struct {
	registry        *session.Registry
	defaultFinalPnL decimal.Decimal
	now             func() time.Time
}

var (
	_ transport.ResultReader   = (*Gateway)(nil)
	_ transport.SessionManager = (*Gateway)(nil)
)

// New creates a gateway. defaultFinalPnL is reported in exports for
// strategies without a time series.
func New(registry *session.Registry, defaultFinalPnL decimal.Decimal) *Gateway {
	return &Gateway{
		registry:        registry,
		defaultFinalPnL: defaultFinalPnL,
		now:             time.Now,
	}
}

// GetTimeSeries returns the time series of the session that currently owns
// strategy.
func (g *Gateway) GetTimeSeries(ctx context.Context, strategy string) ([]api.SeriesPoint, error) {
	_, points, err := g.series(api.ResultRef{Strategy: strategy})
	return points, err
}

// GetStatistics returns the statistics of the session that currently owns
// strategy.
func (g *Gateway) GetStatistics(ctx context.Context, strategy string) (map[string]decimal.Decimal, error) {
	return g.Statistics(ctx, api.ResultRef{Strategy: strategy})
}

// GetDownloadable opens a raw artifact of the session that currently owns
// strategy. kind is time_series (or its alias pnl) or statistics.
func (g *Gateway) GetDownloadable(ctx context.Context, strategy, kind string) (*transport.File, error) {
	k, apiErr := api.ParseArtifactKind(kind)
	if apiErr != nil {
		return nil, apiErr
	}
	return g.Download(ctx, api.ResultRef{Strategy: strategy}, k)
}

// TimeSeries returns the referenced time series in chart form.
func (g *Gateway) TimeSeries(_ context.Context, ref api.ResultRef) (*api.TimeSeries, error) {
	_, points, err := g.series(ref)
	if err != nil {
		return nil, err
	}
	return api.NewTimeSeries(points), nil
}

// Statistics returns the referenced statistics table.
func (g *Gateway) Statistics(_ context.Context, ref api.ResultRef) (map[string]decimal.Decimal, error) {
	s, err := g.resolve(ref)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir, artifact.StatisticsFile(ref.Strategy))
	stats, present, err := artifact.ParseStatistics(path)
	if err != nil {
		return nil, parseFailure(api.ArtifactKindStatistics, err)
	}
	if !present {
		return nil, missingArtifact(s, ref.Strategy, api.ArtifactKindStatistics)
	}
	debug.Log("gateway", "statistics served", "session_id", s.ID, "strategy", ref.Strategy, "metrics", len(stats))
	return stats, nil
}

// Download opens the referenced raw artifact file.
func (g *Gateway) Download(_ context.Context, ref api.ResultRef, kind api.ArtifactKind) (*transport.File, error) {
	kind, apiErr := api.ParseArtifactKind(string(kind))
	if apiErr != nil {
		return nil, apiErr
	}
	s, err := g.resolve(ref)
	if err != nil {
		return nil, err
	}

	name := artifact.FileName(ref.Strategy, kind)
	f, err := os.Open(filepath.Join(s.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, missingArtifact(s, ref.Strategy, kind)
	}
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("opening %s: %v", name, err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, api.NewServerError(fmt.Sprintf("reading %s: %v", name, err))
	}

	debug.Log("gateway", "artifact download", "session_id", s.ID, "file", name, "size", info.Size())
	return &transport.File{
		Name:        name,
		ContentType: CSVContentType,
		ModTime:     info.ModTime(),
		Content:     f,
	}, nil
}

// Export renders the referenced strategy's statistics and time series as
// an xlsx workbook or pdf document.
func (g *Gateway) Export(_ context.Context, ref api.ResultRef, format string) (*transport.File, error) {
	fmtKind, apiErr := report.ParseFormat(format)
	if apiErr != nil {
		return nil, apiErr
	}
	s, err := g.resolve(ref)
	if err != nil {
		return nil, err
	}

	stats, statsPresent, err := artifact.ParseStatistics(filepath.Join(s.Dir, artifact.StatisticsFile(ref.Strategy)))
	if err != nil {
		return nil, parseFailure(api.ArtifactKindStatistics, err)
	}
	points, seriesPresent, err := artifact.ParseTimeSeries(filepath.Join(s.Dir, artifact.TimeSeriesFile(ref.Strategy)))
	if err != nil {
		return nil, parseFailure(api.ArtifactKindTimeSeries, err)
	}
	if !statsPresent && !seriesPresent {
		return nil, api.NewNotFoundError(fmt.Sprintf("no artifacts for strategy %q in session %s", ref.Strategy, s.ID))
	}

	data, err := report.Render(fmtKind, &report.Report{
		Strategy:      ref.Strategy,
		SessionID:     s.ID,
		Statistics:    stats,
		FinalPnL:      artifact.FinalPnL(points, g.defaultFinalPnL),
		HasTimeSeries: seriesPresent,
		Series:        points,
		GeneratedAt:   g.now(),
	})
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("rendering %s report: %v", fmtKind, err))
	}

	debug.Log("gateway", "report exported", "session_id", s.ID, "strategy", ref.Strategy, "format", fmtKind, "bytes", len(data))
	return &transport.File{
		Name:        fmtKind.FileName(ref.Strategy),
		ContentType: fmtKind.ContentType(),
		ModTime:     g.now(),
		Content:     bytes.NewReader(data),
	}, nil
}

// ListSessions returns every registered session, newest first.
func (g *Gateway) ListSessions(_ context.Context) []api.SessionInfo {
	sessions := g.registry.List()
	infos := make([]api.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// ReleaseSession removes a session. Its directory is cleaned up by the
// registry's evict hook.
func (g *Gateway) ReleaseSession(_ context.Context, id string) error {
	if !api.ValidateSessionID(id) {
		return api.NewInvalidRequestError("session_id", "malformed session ID")
	}
	if err := g.registry.Release(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return api.NewNotFoundError(fmt.Sprintf("session %s not found", id))
		}
		return api.NewServerError(err.Error())
	}
	return nil
}

func (g *Gateway) series(ref api.ResultRef) (session.Session, []api.SeriesPoint, error) {
	s, err := g.resolve(ref)
	if err != nil {
		return s, nil, err
	}
	path := filepath.Join(s.Dir, artifact.TimeSeriesFile(ref.Strategy))
	points, present, err := artifact.ParseTimeSeries(path)
	if err != nil {
		return s, nil, parseFailure(api.ArtifactKindTimeSeries, err)
	}
	if !present {
		return s, nil, missingArtifact(s, ref.Strategy, api.ArtifactKindTimeSeries)
	}
	debug.Log("gateway", "time series served", "session_id", s.ID, "strategy", ref.Strategy, "points", len(points))
	return s, points, nil
}

// resolve maps a reference to its session snapshot.
func (g *Gateway) resolve(ref api.ResultRef) (session.Session, error) {
	if !api.ValidStrategyName(ref.Strategy) {
		return session.Session{}, api.NewInvalidRequestError("strategy", fmt.Sprintf("invalid strategy name %q", ref.Strategy))
	}

	if ref.SessionID == "" {
		s, err := g.registry.Lookup(ref.Strategy)
		if errors.Is(err, session.ErrNotFound) {
			return s, api.NewNotFoundError(fmt.Sprintf("no session for strategy %q, run a backtest first", ref.Strategy))
		}
		return s, err
	}

	if !api.ValidateSessionID(ref.SessionID) {
		return session.Session{}, api.NewInvalidRequestError("session_id", "malformed session ID")
	}
	s, err := g.registry.Get(ref.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return s, api.NewNotFoundError(fmt.Sprintf("session %s not found", ref.SessionID))
	}
	if err != nil {
		return s, err
	}
	if !slices.Contains(s.Strategies, ref.Strategy) {
		return s, api.NewNotFoundError(fmt.Sprintf("strategy %q is not part of session %s", ref.Strategy, s.ID))
	}
	return s, nil
}

func missingArtifact(s session.Session, strategy string, kind api.ArtifactKind) *api.APIError {
	return api.NewNotFoundError(fmt.Sprintf("%s artifact for strategy %q not found in session %s", kind, strategy, s.ID))
}

func parseFailure(kind api.ArtifactKind, err error) *api.APIError {
	var pe *artifact.ParseError
	if errors.As(err, &pe) {
		observability.ArtifactParseErrorsTotal.WithLabelValues(string(kind)).Inc()
		return pe.APIError()
	}
	return api.NewServerError(err.Error())
}
