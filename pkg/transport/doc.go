// Package transport defines the handler interfaces and middleware chain for
// the backtestd HTTP transport layer.
//
// The transport layer bridges external clients and the run orchestrator.
// It decodes incoming requests into the types defined in pkg/api,
// dispatches them, and serializes results back to the client as JSON or
// as file downloads.
//
// # Handler Interfaces
//
//   - Runner handles the single write operation: run a backtest and return
//     its RunResult. Runs are synchronous; the caller blocks until the
//     backend finishes or times out.
//   - ResultReader serves parsed and raw artifacts of registered sessions.
//   - SessionManager lists and releases sessions.
//
// # Middleware
//
// The middleware chain wraps Runner with cross-cutting concerns. Built-in
// middleware provides panic recovery, request ID assignment (X-Request-ID),
// and structured logging via log/slog.
package transport
