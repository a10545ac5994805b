// Command server runs the backtestd run orchestrator.
//
// Configuration is read from a YAML file (--config, BACKTESTD_CONFIG,
// ./config.yaml or /etc/backtestd/config.yaml) with BACKTESTD_*
// environment overrides. See pkg/config for all settings.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/client"
	k8sconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/backtestd/pkg/config"
	"github.com/rhuss/backtestd/pkg/debug"
	"github.com/rhuss/backtestd/pkg/gateway"
	"github.com/rhuss/backtestd/pkg/journal"
	"github.com/rhuss/backtestd/pkg/journal/memory"
	"github.com/rhuss/backtestd/pkg/journal/postgres"
	"github.com/rhuss/backtestd/pkg/mcpserver"
	"github.com/rhuss/backtestd/pkg/orchestrator"
	"github.com/rhuss/backtestd/pkg/sandbox"
	"github.com/rhuss/backtestd/pkg/sandbox/kubernetes"
	"github.com/rhuss/backtestd/pkg/session"
	transporthttp "github.com/rhuss/backtestd/pkg/transport/http"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inv, err := newInvoker(cfg)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	var shuttingDown atomic.Bool
	registry := session.New(cfg.Sessions.MaxSessions, session.WithEvictFunc(func(s session.Session) {
		if cfg.Sessions.RemoveOnEvict || (shuttingDown.Load() && cfg.Sessions.CleanupOnShutdown) {
			session.RemoveDir(s)
		}
	}))

	runs, err := newJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating journal: %w", err)
	}
	defer runs.Close()

	orch, err := orchestrator.New(inv, registry, runs, orchestrator.Config{
		Validation:      cfg.Validation(),
		WorkDir:         cfg.Runs.WorkDir,
		Timeout:         cfg.Backend.Timeout,
		DefaultFinalPnL: cfg.Runs.DefaultFinalPnL,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	gw := gateway.New(registry, cfg.Runs.DefaultFinalPnL)

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(cfg.Addr()),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithHandler("GET /healthz", healthHandler(inv, registry, runs)),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transporthttp.WithHandler("GET "+cfg.Observability.Metrics.Path, promhttp.Handler()))
	}
	if cfg.MCP.Enabled {
		mcpSrv := mcpserver.New(orch, gw, gw, version)
		opts = append(opts, transporthttp.WithHandler(cfg.MCP.Path, mcpSrv.Handler()))
		slog.Info("mcp endpoint enabled", "path", cfg.MCP.Path)
	}

	srv := transporthttp.NewServer(transporthttp.Handlers{
		Runner:   orch,
		Reader:   gw,
		Sessions: gw,
		Runs:     runs,
	}, opts...)

	slog.Info("backtestd starting",
		"version", version,
		"backend", inv.Kind(),
		"timeout", cfg.Backend.Timeout,
		"journal", cfg.Journal.Type,
		"max_sessions", cfg.Sessions.MaxSessions,
	)

	err = srv.Run(ctx)

	if cfg.Sessions.CleanupOnShutdown {
		shuttingDown.Store(true)
		registry.Close()
		slog.Info("session directories removed")
	}
	return err
}

// newInvoker builds the configured backend.
func newInvoker(cfg *config.Config) (sandbox.Invoker, error) {
	b := cfg.Backend
	switch b.Type {
	case "docker":
		return sandbox.NewDockerInvoker(sandbox.DockerConfig{
			Binary:     b.Docker.Binary,
			Image:      b.Docker.Image,
			MountPoint: b.Docker.MountPoint,
			Workdir:    b.Docker.Workdir,
			Network:    b.Docker.Network,
			CPUs:       b.Docker.CPUs,
			Memory:     b.Docker.Memory,
			Command:    b.Command,
			Env:        b.Env,
		})
	case "local":
		return sandbox.NewLocalInvoker(sandbox.LocalConfig{
			Command: b.Command,
			Env:     b.Env,
		})
	case "sandbox":
		acquirer, err := newAcquirer(b.Sandbox)
		if err != nil {
			return nil, err
		}
		return sandbox.NewRemoteInvoker(acquirer, sandbox.NewSandboxClient(b.Sandbox.MaxResponseSize), b.Env), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", b.Type)
	}
}

// newAcquirer returns a static acquirer for a fixed URL, or a SandboxClaim
// acquirer using the ambient kubeconfig or in-cluster credentials.
func newAcquirer(sc config.SandboxConfig) (sandbox.Acquirer, error) {
	if sc.URL != "" {
		return sandbox.StaticAcquirer{URL: sc.URL}, nil
	}

	restCfg, err := k8sconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, err
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	slog.Info("sandbox claims enabled", "template", sc.Template, "namespace", sc.Namespace)
	return kubernetes.NewClaimAcquirer(c, kubernetes.Config{
		Template:  sc.Template,
		Namespace: sc.Namespace,
		Timeout:   sc.ClaimTimeout,
	}), nil
}

// newJournal builds the configured run journal.
func newJournal(ctx context.Context, cfg *config.Config) (journal.Journal, error) {
	switch cfg.Journal.Type {
	case "none", "":
		slog.Info("run journal disabled")
		return journal.Nop{}, nil
	case "memory":
		slog.Info("run journal enabled", "type", "memory", "max_size", cfg.Journal.MaxSize)
		return memory.New(cfg.Journal.MaxSize), nil
	case "postgres":
		pg := cfg.Journal.Postgres
		j, err := postgres.New(ctx, postgres.Config{
			DSN:            pg.DSN,
			MaxConns:       pg.MaxConns,
			MigrateOnStart: pg.MigrateOnStart,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("run journal enabled", "type", "postgres")
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Journal.Type)
	}
}

type healthStatus struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Sessions int    `json:"sessions"`
	Journal  string `json:"journal"`
}

// healthHandler reports liveness plus the state of the journal.
func healthHandler(inv sandbox.Invoker, reg *session.Registry, runs journal.Journal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := healthStatus{
			Status:   "ok",
			Backend:  inv.Kind(),
			Sessions: reg.Len(),
			Journal:  "ok",
		}
		status := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := runs.HealthCheck(ctx); err != nil {
			h.Status = "degraded"
			h.Journal = err.Error()
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(h)
	})
}
