// Package sandbox runs the backtest backend in isolation. An Invoker
// executes exactly one backend process per call, passes run parameters as
// environment variables (never through a shell string), enforces a
// wall-clock timeout, and guarantees the backend is terminated when the
// timeout fires.
//
// Three invokers exist: DockerInvoker (container with a bind-mounted
// output directory), LocalInvoker (child process group), and
// RemoteInvoker (the sandbox server REST protocol, with the sandbox URL
// either static or acquired through a SandboxClaim).
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Environment variable names understood by the backtest engine.
const (
	EnvTickCount      = "NUM_TICKS"
	EnvInitialCapital = "INITIAL_CAPITAL"
	EnvStrategies     = "STRATEGIES"
	EnvOutputDir      = "OUTPUT_DIR"
)

// Invocation describes one backend run.
type Invocation struct {
	RunID          string
	TickCount      int
	InitialCapital decimal.Decimal
	Strategies     []string

	// OutputDir is the host directory the backend's artifacts must land in
	// before Invoke returns.
	OutputDir string

	// Timeout bounds the backend's wall-clock time. Zero means no bound.
	Timeout time.Duration
}

// Result is the outcome of a backend process that was started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	TimedOut bool
}

// Invoker runs the backend once per call. Invoke returns an error only when
// the backend could not be started or was cancelled; a backend that ran and
// failed is reported through Result.
type Invoker interface {
	Kind() string
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// Environment returns the sorted KEY=VALUE parameter list for an invocation.
// Static entries whose key collides with a run parameter are dropped.
func Environment(inv *Invocation, static map[string]string) []string {
	vars := map[string]string{
		EnvTickCount:      strconv.Itoa(inv.TickCount),
		EnvInitialCapital: inv.InitialCapital.String(),
		EnvStrategies:     strings.Join(inv.Strategies, ","),
	}
	for k, v := range static {
		key := strings.TrimSpace(k)
		if key == "" || isReservedEnvKey(key) {
			continue
		}
		vars[key] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(key) {
	case EnvTickCount, EnvInitialCapital, EnvStrategies, EnvOutputDir:
		return true
	}
	return false
}

// InvocationFromEnv reverses Environment: it reads the run parameters out
// of a parameter map and returns the remaining entries as static
// environment. OUTPUT_DIR is never taken from the map.
func InvocationFromEnv(env map[string]string) (*Invocation, map[string]string, error) {
	inv := &Invocation{}
	extra := make(map[string]string)

	for k, v := range env {
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case EnvTickCount:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid %s %q", EnvTickCount, v)
			}
			inv.TickCount = n
		case EnvInitialCapital:
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid %s %q", EnvInitialCapital, v)
			}
			inv.InitialCapital = d
		case EnvStrategies:
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					inv.Strategies = append(inv.Strategies, s)
				}
			}
		case EnvOutputDir:
		default:
			extra[k] = v
		}
	}
	return inv, extra, nil
}
