package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rhuss/backtestd/pkg/debug"
)

// ErrSandboxAtCapacity is returned when the sandbox server rejects a run
// with HTTP 429.
var ErrSandboxAtCapacity = errors.New("sandbox at capacity")

// SandboxRequest is the request body for POST /execute on the sandbox server.
type SandboxRequest struct {
	RunID          string            `json:"run_id,omitempty"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// SandboxResponse is the response from POST /execute on the sandbox server.
// FilesProduced maps file names to base64 content.
type SandboxResponse struct {
	Status          string            `json:"status"` // success, error, timeout
	Stdout          string            `json:"stdout"`
	Stderr          string            `json:"stderr"`
	ExitCode        int               `json:"exit_code"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	FilesProduced   map[string]string `json:"files_produced,omitempty"`
}

// Sandbox response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// DefaultMaxResponseSize bounds a sandbox response body. Produced files
// travel base64 encoded inside it.
const DefaultMaxResponseSize = 64 << 20

// SandboxClient calls the sandbox server's REST API.
type SandboxClient struct {
	httpClient      *http.Client
	maxResponseSize int64
}

// NewSandboxClient creates a sandbox HTTP client that rejects responses
// larger than maxResponseSize bytes (DefaultMaxResponseSize if <= 0). The
// run timeout is enforced per request through the context.
func NewSandboxClient(maxResponseSize int64) *SandboxClient {
	if maxResponseSize <= 0 {
		maxResponseSize = DefaultMaxResponseSize
	}
	return &SandboxClient{httpClient: &http.Client{}, maxResponseSize: maxResponseSize}
}

// Execute sends a run to the sandbox server and returns its response.
func (c *SandboxClient) Execute(ctx context.Context, sandboxURL string, req *SandboxRequest) (*SandboxResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(sandboxURL, "/")+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(respBody)) > c.maxResponseSize {
		return nil, fmt.Errorf("sandbox response exceeds %d bytes", c.maxResponseSize)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrSandboxAtCapacity
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, debug.Truncate(string(respBody), 200))
	}

	var sandboxResp SandboxResponse
	if err := json.Unmarshal(respBody, &sandboxResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &sandboxResp, nil
}

// Acquirer provides a sandbox server URL for one run. The release function
// must be called once the run is finished.
type Acquirer interface {
	Acquire(ctx context.Context) (sandboxURL string, release func(), err error)
}

// StaticAcquirer always returns the same sandbox URL.
type StaticAcquirer struct {
	URL string
}

// Acquire returns the configured URL with a no-op release.
func (a StaticAcquirer) Acquire(_ context.Context) (string, func(), error) {
	return a.URL, func() {}, nil
}

// RemoteInvoker runs the backend on a sandbox server and materializes the
// files it produced into the run's output directory.
type RemoteInvoker struct {
	acquirer Acquirer
	client   *SandboxClient
	env      map[string]string
}

var _ Invoker = (*RemoteInvoker)(nil)

// NewRemoteInvoker creates a remote invoker.
func NewRemoteInvoker(acquirer Acquirer, client *SandboxClient, env map[string]string) *RemoteInvoker {
	if client == nil {
		client = NewSandboxClient(0)
	}
	return &RemoteInvoker{acquirer: acquirer, client: client, env: env}
}

// Kind returns "sandbox".
func (r *RemoteInvoker) Kind() string {
	return "sandbox"
}

// Invoke acquires a sandbox, runs the backend there, and writes the
// produced files under inv.OutputDir.
func (r *RemoteInvoker) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	start := time.Now()

	runCtx, cancel := withTimeout(ctx, inv.Timeout)
	defer cancel()

	sandboxURL, release, err := r.acquirer.Acquire(runCtx)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return timedOut(start, "no sandbox became available"), nil
		}
		return nil, fmt.Errorf("acquiring sandbox: %w", err)
	}
	defer release()

	env := make(map[string]string)
	for _, kv := range Environment(inv, r.env) {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}

	req := &SandboxRequest{RunID: inv.RunID, Env: env}
	if inv.Timeout > 0 {
		req.TimeoutSeconds = timeoutSeconds(inv.Timeout - time.Since(start))
	}
	debug.Log("sandbox", "remote run", "url", sandboxURL, "timeout_seconds", req.TimeoutSeconds)

	resp, err := r.client.Execute(runCtx, sandboxURL, req)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return timedOut(start, ""), nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("backend invocation cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	if err := writeFiles(inv.OutputDir, resp.FilesProduced); err != nil {
		return nil, err
	}

	res := &Result{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Elapsed:  time.Since(start),
		TimedOut: resp.Status == StatusTimeout,
	}
	if res.TimedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}
	if resp.Status == StatusError && res.ExitCode == 0 {
		res.ExitCode = -1
	}
	return res, nil
}

func timedOut(start time.Time, stderr string) *Result {
	return &Result{ExitCode: -1, Stderr: stderr, Elapsed: time.Since(start), TimedOut: true}
}

// timeoutSeconds rounds a remaining duration up to whole seconds, minimum 1.
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

// writeFiles decodes base64 files into dir. Only base names are used.
func writeFiles(dir string, files map[string]string) error {
	for name, b64 := range files {
		base := filepath.Base(name)
		if base == "." || base == ".." || base == string(filepath.Separator) {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("decoding produced file %q: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, base), content, 0o644); err != nil {
			return fmt.Errorf("writing produced file %q: %w", name, err)
		}
	}
	return nil
}
