// Package debug provides category-based debug logging for backtestd.
//
// Two orthogonal controls:
//   - Categories (WHAT to debug): BACKTESTD_DEBUG env or logging.debug
//   - Levels (HOW MUCH detail): BACKTESTD_LOG_LEVEL env or logging.level
//
// Usage:
//
//	debug.Log("sandbox", "invoking backend", "kind", "docker", "dir", dir)
//	if debug.Enabled("artifacts") { /* expensive formatting */ }
//
// Categories: sandbox, orchestrator, sessions, artifacts, gateway, transport,
// journal, config, all. Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"unicode/utf8"
)

// LevelTrace is below slog.LevelDebug for maximum verbosity.
// At TRACE, full backend stdout and stderr are written to stderr.
const LevelTrace = slog.LevelDebug - 4

const (
	envCategories = "BACKTESTD_DEBUG"
	envLevel      = "BACKTESTD_LOG_LEVEL"
)

// categories holds the set of enabled debug categories.
// Read-only after Init.
var categories map[string]bool

func init() {
	categories = parseCategories(os.Getenv(envCategories))
}

// Init configures categories and the default slog handler from config
// values. Environment variables take precedence over config.
func Init(configCategories string, configLevel string) {
	Setup(os.Stderr, configCategories, configLevel)
}

// Setup is Init with an explicit log destination.
func Setup(w io.Writer, configCategories string, configLevel string) {
	cats := os.Getenv(envCategories)
	if cats == "" {
		cats = configCategories
	}
	categories = parseCategories(cats)

	level := os.Getenv(envLevel)
	if level == "" {
		level = configLevel
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})))
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log emits a debug message for the given category.
// If the category is not enabled, this is a no-op.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
func Trace(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled reports whether TRACE level is active for the given category.
func TraceIsEnabled(category string) bool {
	if !Enabled(category) {
		return false
	}
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// Raw writes a labelled block of plain text to stderr without slog
// formatting. Only emitted when the category is enabled at TRACE.
func Raw(category string, label string, text string) {
	if !TraceIsEnabled(category) {
		return
	}
	fmt.Fprintf(os.Stderr, "----- %s -----\n%s\n----- end %s -----\n", label, text, label)
}

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the enabled categories in sorted order.
func Categories() []string {
	result := make([]string, 0, len(categories))
	for k := range categories {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Truncate returns s cut to at most maxLen bytes without splitting a UTF-8
// sequence, with "..." appended if anything was dropped.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}
