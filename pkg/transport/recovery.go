package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhuss/backtestd/pkg/api"
)

// Recovery returns middleware that catches panics in the runner and
// converts them to a failed RunResult carrying a server error. The server
// continues to accept new requests after a panic is recovered.
func Recovery() Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) (res *api.RunResult) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("run panicked", "request_id", RequestIDFromContext(ctx), "panic", r)
					res = &api.RunResult{
						RunID:     api.NewRunID(),
						State:     api.RunStateFailed,
						Error:     api.NewServerError(fmt.Sprintf("internal server error: %v", r)),
						CreatedAt: time.Now().Unix(),
					}
				}
			}()
			return next.Run(ctx, req)
		})
	}
}
