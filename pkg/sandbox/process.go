package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxCapturedOutput caps each captured stream. Output past the cap is
// dropped and a marker is appended.
const maxCapturedOutput = 4 << 20

// killGrace is how long Wait keeps reading pipes after the process was
// killed, for children that inherited them.
const killGrace = 5 * time.Second

// withTimeout derives the invocation context. A zero timeout adds no bound.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// runCommand runs cmd to completion and classifies the outcome. The caller
// built cmd with exec.CommandContext(ctx, ...).
func runCommand(ctx context.Context, cmd *exec.Cmd) (*Result, error) {
	stdout := &cappedBuffer{limit: maxCapturedOutput}
	stderr := &cappedBuffer{limit: maxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = killGrace
	}

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Elapsed: time.Since(start)}

	// Deadline takes precedence over the exit error it causes.
	switch {
	case runErr == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.Is(ctx.Err(), context.Canceled):
		res.ExitCode = -1
		res.Stdout, res.Stderr = stdout.String(), stderr.String()
		return res, fmt.Errorf("backend invocation cancelled: %w", ctx.Err())
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("starting backend: %w", runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	return res, nil
}

// cappedBuffer is an io.Writer that keeps at most limit bytes.
type cappedBuffer struct {
	mu        sync.Mutex
	b         strings.Builder
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if room := c.limit - c.b.Len(); room < len(p) {
		if room > 0 {
			c.b.Write(p[:room])
		}
		c.truncated = true
		return len(p), nil
	}
	c.b.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) WriteString(s string) {
	_, _ = c.Write([]byte(s))
}

func (c *cappedBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.Len()
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.b.String() + "\n[output truncated]"
	}
	return c.b.String()
}
