// Command sandbox-server runs an HTTP server inside agent-sandbox pods
// that executes the backtest engine in an isolated process group.
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_COMMAND        - Engine argv, JSON array or whitespace separated
//	                         (default: ./build/BacktestEngine)
//	SANDBOX_WORKDIR        - Engine working directory (default: per-run output dir)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 1)
//	SANDBOX_DEBUG          - Debug categories (e.g. "sandbox")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rhuss/backtestd/pkg/debug"
)

func main() {
	debug.Init(os.Getenv("SANDBOX_DEBUG"), os.Getenv("SANDBOX_LOG_LEVEL"))

	port := envOr("SANDBOX_PORT", "8080")
	command, err := parseCommand(envOr("SANDBOX_COMMAND", "./build/BacktestEngine"))
	if err != nil {
		slog.Error("invalid SANDBOX_COMMAND", "error", err.Error())
		os.Exit(1)
	}
	maxConcurrent := envOrInt("SANDBOX_MAX_CONCURRENT", 1)

	srv := newSandboxServer(command, os.Getenv("SANDBOX_WORKDIR"), maxConcurrent)

	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Long timeout for engine runs.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sandbox server starting", "port", port, "command", command, "max_concurrent", maxConcurrent)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

// parseCommand accepts a JSON array or a whitespace separated argv.
func parseCommand(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var argv []string
		if err := json.Unmarshal([]byte(s), &argv); err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty command")
		}
		return argv, nil
	}
	argv := strings.Fields(s)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 1 {
		return defaultVal
	}
	return n
}
