package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rhuss/backtestd/pkg/debug"
	"github.com/rhuss/backtestd/pkg/sandbox"
)

// defaultTimeoutSeconds applies when a request carries no timeout.
const defaultTimeoutSeconds = 60

type sandboxServer struct {
	command       []string
	workdir       string
	maxConcurrent int32
	currentLoad   atomic.Int32
	startTime     time.Time
}

func newSandboxServer(command []string, workdir string, maxConcurrent int) *sandboxServer {
	return &sandboxServer{
		command:       command,
		workdir:       workdir,
		maxConcurrent: int32(maxConcurrent),
		startTime:     time.Now(),
	}
}

func (s *sandboxServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// --- Execute handler ---

func (s *sandboxServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	// Check capacity.
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	var req sandbox.SandboxRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	inv, extra, err := sandbox.InvocationFromEnv(req.Env)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv.RunID = req.RunID
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = defaultTimeoutSeconds
	}
	inv.Timeout = time.Duration(req.TimeoutSeconds) * time.Second

	slog.Info("execute request",
		"run_id", req.RunID,
		"num_ticks", inv.TickCount,
		"strategies", inv.Strategies,
		"timeout", req.TimeoutSeconds,
	)

	outputDir, err := os.MkdirTemp("", "sandbox-exec-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create output dir: "+err.Error())
		return
	}
	defer os.RemoveAll(outputDir)
	inv.OutputDir = outputDir

	invoker, err := sandbox.NewLocalInvoker(sandbox.LocalConfig{
		Command: s.command,
		Workdir: s.workdir,
		Env:     extra,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res, err := invoker.Invoke(r.Context(), inv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := sandbox.StatusSuccess
	switch {
	case res.TimedOut:
		status = sandbox.StatusTimeout
	case res.ExitCode != 0:
		status = sandbox.StatusError
	}

	filesProduced := collectOutputFiles(outputDir)

	slog.Info("execute complete",
		"run_id", req.RunID,
		"status", status,
		"exit_code", res.ExitCode,
		"duration_ms", res.Elapsed.Milliseconds(),
		"stdout", debug.Truncate(res.Stdout, 200),
		"files_produced", len(filesProduced),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sandbox.SandboxResponse{
		Status:          status,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		ExecutionTimeMs: res.Elapsed.Milliseconds(),
		FilesProduced:   filesProduced,
	})
}

// collectOutputFiles reads files from the output directory and encodes them as base64.
func collectOutputFiles(outputDir string) map[string]string {
	entries, err := os.ReadDir(outputDir)
	if err != nil || len(entries) == 0 {
		return nil
	}

	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outputDir, entry.Name()))
		if err != nil {
			continue
		}
		files[entry.Name()] = base64.StdEncoding.EncodeToString(content)
	}

	if len(files) == 0 {
		return nil
	}
	return files
}

// --- Health handler ---

type healthResponse struct {
	Status      string   `json:"status"`
	Command     []string `json:"command"`
	Capacity    int      `json:"capacity"`
	CurrentLoad int      `json:"current_load"`
	UptimeSecs  int64    `json:"uptime_seconds"`
}

func (s *sandboxServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:      "healthy",
		Command:     s.command,
		Capacity:    int(s.maxConcurrent),
		CurrentLoad: int(s.currentLoad.Load()),
		UptimeSecs:  int64(time.Since(s.startTime).Seconds()),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
