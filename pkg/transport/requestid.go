package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/rhuss/backtestd/pkg/api"
)

// RequestID returns middleware that assigns a unique request ID to each
// run. If the incoming context already carries a request ID (set by the
// HTTP adapter from the X-Request-ID header), that value is used.
// Otherwise, a new unique ID is generated.
func RequestID() Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, req *api.RunRequestPayload) *api.RunResult {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, generateRequestID())
			}
			return next.Run(ctx, req)
		})
	}
}

// generateRequestID creates a new unique request ID as a hex string.
func generateRequestID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
