// Command fake-engine is a deterministic stand-in for the backtest engine.
// It simulates a geometric Brownian motion equity curve per strategy and
// writes the same artifacts the engine does.
//
// Configuration:
//
//	NUM_TICKS        - Number of ticks (default: 1000)
//	INITIAL_CAPITAL  - Starting capital (default: 10000)
//	STRATEGIES       - Comma separated strategy names
//	                   (default: Mean_Reversion,Breakout_Win20,Spread)
//	OUTPUT_DIR       - Artifact directory (default: current directory)
//	FAKE_ENGINE_EXIT - Exit with this code after writing nothing
//	FAKE_ENGINE_SLEEP - Sleep this long before starting (e.g. "2s")
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fake-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	if d := os.Getenv("FAKE_ENGINE_SLEEP"); d != "" {
		dur, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf("invalid FAKE_ENGINE_SLEEP: %w", err)
		}
		time.Sleep(dur)
	}
	if code := os.Getenv("FAKE_ENGINE_EXIT"); code != "" {
		n, err := strconv.Atoi(code)
		if err != nil {
			return fmt.Errorf("invalid FAKE_ENGINE_EXIT: %w", err)
		}
		fmt.Fprintf(os.Stderr, "engine failure requested (exit %d)\n", n)
		os.Exit(n)
	}

	p, err := paramsFromEnv(os.Getenv)
	if err != nil {
		return err
	}

	outDir := os.Getenv("OUTPUT_DIR")
	if outDir == "" {
		outDir = "."
	}

	for _, s := range p.Strategies {
		series := simulate(s, p.Ticks, p.Capital)
		if err := writeArtifacts(outDir, s, series); err != nil {
			return err
		}
		slog.Debug("strategy simulated", "strategy", s, "ticks", p.Ticks)
		fmt.Printf("Backtest completed for %s: final PnL %.2f\n", s, series[len(series)-1])
	}
	return nil
}

type params struct {
	Ticks      int
	Capital    float64
	Strategies []string
}

// paramsFromEnv reads the run parameters with the engine's defaults.
func paramsFromEnv(getenv func(string) string) (params, error) {
	p := params{
		Ticks:      1000,
		Capital:    10000,
		Strategies: []string{"Mean_Reversion", "Breakout_Win20", "Spread"},
	}

	if v := getenv("NUM_TICKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 {
			return p, fmt.Errorf("invalid NUM_TICKS %q", v)
		}
		p.Ticks = n
	}
	if v := getenv("INITIAL_CAPITAL"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c <= 0 {
			return p, fmt.Errorf("invalid INITIAL_CAPITAL %q", v)
		}
		p.Capital = c
	}
	if v := getenv("STRATEGIES"); v != "" {
		p.Strategies = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				p.Strategies = append(p.Strategies, s)
			}
		}
	}
	return p, nil
}
