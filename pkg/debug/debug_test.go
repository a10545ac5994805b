package debug

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseCategories(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]bool
	}{
		{"empty", "", map[string]bool{}},
		{"single", "sandbox", map[string]bool{"sandbox": true}},
		{"multiple", "sandbox,sessions", map[string]bool{"sandbox": true, "sessions": true}},
		{"all", "all", map[string]bool{"all": true}},
		{"with spaces", " sandbox , artifacts ", map[string]bool{"sandbox": true, "artifacts": true}},
		{"uppercase normalized", "SANDBOX,Journal", map[string]bool{"sandbox": true, "journal": true}},
		{"empty segments", "sandbox,,gateway", map[string]bool{"sandbox": true, "gateway": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCategories(tt.input)
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %v, want %v", k, got[k], v)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("len(got) = %d, want %d", len(got), len(tt.want))
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("sandbox,orchestrator")

	if !Enabled("sandbox") {
		t.Error("sandbox should be enabled")
	}
	if !Enabled("orchestrator") {
		t.Error("orchestrator should be enabled")
	}
	if Enabled("journal") {
		t.Error("journal should not be enabled")
	}

	categories = parseCategories("all")
	if !Enabled("anything") {
		t.Error("anything should be enabled via 'all'")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"TRACE", LevelTrace},
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"this is a long string", 10, "this is a ..."},
		{"héllo", 2, "h..."},
		{"", 0, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestSetup(t *testing.T) {
	origCats := categories
	origLogger := slog.Default()
	defer func() {
		categories = origCats
		slog.SetDefault(origLogger)
	}()

	t.Setenv(envCategories, "")
	t.Setenv(envLevel, "")

	var buf bytes.Buffer
	Setup(&buf, "sessions", "TRACE")

	Log("sessions", "registered", "id", "sess_x")
	Trace("sessions", "lookup", "name", "Spread")
	Log("sandbox", "hidden")

	out := buf.String()
	if !strings.Contains(out, "registered") || !strings.Contains(out, "debug=sessions") {
		t.Errorf("missing debug line in %q", out)
	}
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("trace level not rendered as TRACE in %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("disabled category was logged: %q", out)
	}
}

func TestSetupEnvOverridesConfig(t *testing.T) {
	origCats := categories
	origLogger := slog.Default()
	defer func() {
		categories = origCats
		slog.SetDefault(origLogger)
	}()

	t.Setenv(envCategories, "journal")
	t.Setenv(envLevel, "ERROR")

	var buf bytes.Buffer
	Setup(&buf, "sessions", "DEBUG")

	if Enabled("sessions") {
		t.Error("config categories should be overridden by env")
	}
	if !Enabled("journal") {
		t.Error("env category journal should be enabled")
	}
	Log("journal", "should be filtered by level")
	if buf.Len() != 0 {
		t.Errorf("expected no output at ERROR level, got %q", buf.String())
	}
}

func TestCategoriesSorted(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("sessions,artifacts,sandbox")
	got := strings.Join(Categories(), ",")
	if got != "artifacts,sandbox,sessions" {
		t.Errorf("Categories() = %q", got)
	}
}
