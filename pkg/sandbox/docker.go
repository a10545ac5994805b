package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/rhuss/backtestd/pkg/debug"
)

// DefaultDockerCommand runs the engine inside the image and moves its CSV
// output into the mounted results directory.
var DefaultDockerCommand = []string{"sh", "-c", "./build/BacktestEngine && (mv *.csv temp_results/ 2>/dev/null || true)"}

// DockerConfig configures the container backend.
type DockerConfig struct {
	Binary     string
	Image      string
	MountPoint string // container path the output directory is bound to
	Workdir    string
	Network    string
	CPUs       string
	Memory     string
	Command    []string
	Env        map[string]string
}

// DockerInvoker runs the backend with `docker run --rm`. Each run gets a
// uniquely named container that is force-removed when the timeout fires.
type DockerInvoker struct {
	cfg DockerConfig
}

var _ Invoker = (*DockerInvoker)(nil)

// NewDockerInvoker checks that the docker binary is available and fills
// in defaults.
func NewDockerInvoker(cfg DockerConfig) (*DockerInvoker, error) {
	cfg.Binary = strings.TrimSpace(cfg.Binary)
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, fmt.Errorf("docker image is required")
	}
	if cfg.MountPoint == "" {
		cfg.MountPoint = "/app/temp_results"
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/app"
	}
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultDockerCommand
	}
	return &DockerInvoker{cfg: cfg}, nil
}

// Kind returns "docker".
func (d *DockerInvoker) Kind() string {
	return "docker"
}

// Invoke runs one container to completion.
func (d *DockerInvoker) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	name := containerName(inv.RunID)
	args := d.buildArgs(name, inv)

	runCtx, cancel := withTimeout(ctx, inv.Timeout)
	defer cancel()

	debug.Log("sandbox", "docker run", "container", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(runCtx, d.cfg.Binary, args...)
	res, err := runCommand(runCtx, cmd)

	// Killing the docker CLI does not stop the container.
	if runCtx.Err() != nil {
		d.removeContainer(name)
	}
	return res, err
}

func (d *DockerInvoker) buildArgs(name string, inv *Invocation) []string {
	args := []string{
		"run",
		"--rm",
		"--name", name,
		"-v", inv.OutputDir + ":" + d.cfg.MountPoint,
		"-w", d.cfg.Workdir,
	}
	if d.cfg.Network != "" {
		args = append(args, "--network", d.cfg.Network)
	}
	if d.cfg.CPUs != "" {
		args = append(args, "--cpus", d.cfg.CPUs)
	}
	if d.cfg.Memory != "" {
		args = append(args, "--memory", d.cfg.Memory)
	}

	for _, kv := range Environment(inv, d.cfg.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, "-e", EnvOutputDir+"="+d.cfg.MountPoint)

	args = append(args, d.cfg.Image)
	return append(args, d.cfg.Command...)
}

// removeContainer force-removes a container that outlived its run.
func (d *DockerInvoker) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.cfg.Binary, "rm", "--force", name).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil && !strings.Contains(strings.ToLower(text), "no such container") {
		slog.Warn("failed to remove backend container", "container", name, "error", err, "output", text)
		return
	}
	debug.Log("sandbox", "container removed", "container", name)
}

// containerName derives a docker-safe container name from a run ID.
func containerName(runID string) string {
	var b strings.Builder
	b.WriteString("backtest-")
	for _, r := range runID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if runID == "" {
		fmt.Fprintf(&b, "%d", time.Now().UnixNano())
	}
	return b.String()
}
