package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/backtestd/pkg/api"
	"github.com/rhuss/backtestd/pkg/debug"
)

// Logging returns middleware that emits one structured log entry per run
// with the request ID, run ID, session ID, duration, and outcome.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
			start := time.Now()
			res := next.Run(ctx, req)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("run_id", res.RunID),
				slog.String("state", string(res.State)),
				slog.Duration("duration", time.Since(start)),
			}
			if res.Success {
				attrs = append(attrs, slog.String("session_id", res.SessionID))
				logger.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
			} else {
				if res.Error != nil {
					attrs = append(attrs,
						slog.String("error_type", string(res.Error.Type)),
						slog.String("error", debug.Truncate(res.Error.Message, 200)))
				}
				logger.LogAttrs(ctx, slog.LevelWarn, "request failed", attrs...)
			}
			return res
		})
	}
}
