package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/rhuss/backtestd/pkg/debug"
)

// LocalConfig configures the child-process backend.
type LocalConfig struct {
	Command []string
	// Workdir is the process working directory. Empty means the run's
	// output directory.
	Workdir string
	Env     map[string]string
}

// LocalInvoker runs the backend as a child process in its own process
// group. On timeout the whole group is killed.
type LocalInvoker struct {
	cfg LocalConfig
}

var _ Invoker = (*LocalInvoker)(nil)

// NewLocalInvoker validates the command.
func NewLocalInvoker(cfg LocalConfig) (*LocalInvoker, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("local backend requires a command")
	}
	return &LocalInvoker{cfg: cfg}, nil
}

// Kind returns "local".
func (l *LocalInvoker) Kind() string {
	return "local"
}

// Invoke runs the command once with the run parameters in its environment.
func (l *LocalInvoker) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	runCtx, cancel := withTimeout(ctx, inv.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.cfg.Command[0], l.cfg.Command[1:]...)
	cmd.Dir = l.cfg.Workdir
	if cmd.Dir == "" {
		cmd.Dir = inv.OutputDir
	}
	cmd.Env = append(os.Environ(), Environment(inv, l.cfg.Env)...)
	cmd.Env = append(cmd.Env, EnvOutputDir+"="+inv.OutputDir)
	setProcessGroup(cmd)

	debug.Log("sandbox", "local run", "command", l.cfg.Command, "dir", cmd.Dir)
	return runCommand(runCtx, cmd)
}
