package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rhuss/backtestd/pkg/api"
	"github.com/rhuss/backtestd/pkg/journal"
	"github.com/rhuss/backtestd/pkg/transport"
)

// Handlers groups the collaborators the adapter dispatches to. Runner and
// Reader are required; Sessions and Runs may be nil, in which case their
// endpoints answer 501.
type Handlers struct {
	Runner   transport.Runner
	Reader   transport.ResultReader
	Sessions transport.SessionManager
	Runs     journal.Journal
}

// Adapter serves the backtest API over HTTP.
// It routes requests to the appropriate handler and serializes responses.
type Adapter struct {
	h      Handlers
	mux    *http.ServeMux
	config Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 1 << 20, // 1 MB
	}
}

// SessionList is the response body of GET /api/sessions.
type SessionList struct {
	Object string            `json:"object"`
	Data   []api.SessionInfo `json:"data"`
}

// RunList is the response body of GET /api/runs.
type RunList struct {
	Object string           `json:"object"`
	Data   []*journal.Entry `json:"data"`
}

// NewAdapter creates an HTTP adapter. Middleware is applied to the Runner
// in the given order.
func NewAdapter(h Handlers, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		h.Runner = transport.Chain(middlewares...)(h.Runner)
	}

	a := &Adapter{
		h:      h,
		mux:    http.NewServeMux(),
		config: cfg,
	}

	a.mux.HandleFunc("POST /api/run", a.handleRun)
	a.mux.HandleFunc("GET /api/runs", a.handleListRuns)

	a.mux.HandleFunc("GET /api/results/{strategy}/pnl", a.handleTimeSeries)
	a.mux.HandleFunc("GET /api/results/{strategy}/statistics", a.handleStatistics)
	a.mux.HandleFunc("GET /api/download/{strategy}/{kind}", a.handleDownload)
	a.mux.HandleFunc("GET /api/export/{strategy}/{format}", a.handleExport)

	a.mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	a.mux.HandleFunc("DELETE /api/sessions/{id}", a.handleDeleteSession)
	a.mux.HandleFunc("GET /api/sessions/{id}/results/{strategy}/pnl", a.handleTimeSeries)
	a.mux.HandleFunc("GET /api/sessions/{id}/results/{strategy}/statistics", a.handleStatistics)
	a.mux.HandleFunc("GET /api/sessions/{id}/download/{strategy}/{kind}", a.handleDownload)
	a.mux.HandleFunc("GET /api/sessions/{id}/export/{strategy}/{format}", a.handleExport)

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// httpRequestIDMiddleware is HTTP-level middleware that propagates the
// X-Request-ID header. If present in the request, it is forwarded to
// the response. After the handler runs, it checks the context for a
// request ID (set by the transport-level RequestID middleware) and adds
// it to the response headers if not already set.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx := transport.ContextWithRequestID(r.Context(), id)
			r = r.WithContext(ctx)
		}
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleRun handles POST /api/run. The request blocks until the backend
// finishes or times out. A failed run is answered with its RunResult and
// the status derived from the run's error type.
func (a *Adapter) handleRun(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.RunRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	res := a.h.Runner.Run(r.Context(), &req)
	if res == nil {
		transport.WriteAPIError(w, api.NewServerError("runner returned no result"))
		return
	}

	status := http.StatusOK
	if !res.Success {
		if res.Error == nil {
			res.Error = api.NewServerError("run failed without an error")
		}
		status = transport.HTTPStatusFromError(res.Error)
	}
	transport.WriteJSON(w, status, res)
}

// handleTimeSeries handles GET [/api/sessions/{id}]/api/results/{strategy}/pnl.
func (a *Adapter) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	ts, err := a.h.Reader.TimeSeries(r.Context(), resultRef(r))
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}
	transport.WriteJSON(w, http.StatusOK, ts)
}

// handleStatistics handles GET [/api/sessions/{id}]/api/results/{strategy}/statistics.
func (a *Adapter) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.h.Reader.Statistics(r.Context(), resultRef(r))
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}
	transport.WriteJSON(w, http.StatusOK, stats)
}

// handleDownload serves a raw artifact file as an attachment.
func (a *Adapter) handleDownload(w http.ResponseWriter, r *http.Request) {
	kind, apiErr := api.ParseArtifactKind(r.PathValue("kind"))
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}
	f, err := a.h.Reader.Download(r.Context(), resultRef(r), kind)
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}
	serveFile(w, r, f)
}

// handleExport serves a rendered xlsx or pdf report as an attachment.
func (a *Adapter) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := a.h.Reader.Export(r.Context(), resultRef(r), r.PathValue("format"))
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}
	serveFile(w, r, f)
}

// handleListSessions handles GET /api/sessions.
func (a *Adapter) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if a.h.Sessions == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "session listing is not available"),
			http.StatusNotImplemented,
		)
		return
	}
	transport.WriteJSON(w, http.StatusOK, SessionList{
		Object: "list",
		Data:   a.h.Sessions.ListSessions(r.Context()),
	})
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (a *Adapter) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if a.h.Sessions == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "session release is not available"),
			http.StatusNotImplemented,
		)
		return
	}

	id := r.PathValue("id")
	if !api.ValidateSessionID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed session ID"),
			http.StatusBadRequest,
		)
		return
	}

	if err := a.h.Sessions.ReleaseSession(r.Context(), id); err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListRuns handles GET /api/runs.
func (a *Adapter) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.h.Runs == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "run journal is not available"),
			http.StatusNotImplemented,
		)
		return
	}

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteErrorResponse(w, apiErr, http.StatusBadRequest)
		return
	}

	entries, err := a.h.Runs.List(r.Context(), opts)
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}
	transport.WriteJSON(w, http.StatusOK, RunList{Object: "list", Data: entries})
}

// parseListOptions extracts journal filters from the query string.
func parseListOptions(r *http.Request) (journal.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := journal.ListOptions{Status: q.Get("status")}

	switch opts.Status {
	case "", "completed", "failed":
	default:
		return opts, api.NewInvalidRequestError("status", "status must be 'completed' or 'failed'")
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}
	opts.Normalize()

	return opts, nil
}

// resultRef builds a result reference from the route's path values. The
// session ID is empty on the bare strategy routes.
func resultRef(r *http.Request) api.ResultRef {
	return api.ResultRef{
		SessionID: r.PathValue("id"),
		Strategy:  r.PathValue("strategy"),
	}
}

// serveFile writes f as an attachment and closes it.
func serveFile(w http.ResponseWriter, r *http.Request, f *transport.File) {
	defer f.Close()
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Name))
	http.ServeContent(w, r, f.Name, f.ModTime, f.Content)
}
