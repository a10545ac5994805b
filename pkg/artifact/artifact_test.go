package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestFileNames(t *testing.T) {
	if got := StatisticsFile("Spread"); got != "Spread_statistics.csv" {
		t.Errorf("StatisticsFile = %q", got)
	}
	if got := TimeSeriesFile("Spread"); got != "Spread_pnl.csv" {
		t.Errorf("TimeSeriesFile = %q", got)
	}
	if got := FileName("Spread", api.ArtifactKindStatistics); got != "Spread_statistics.csv" {
		t.Errorf("FileName(statistics) = %q", got)
	}
	if got := FileName("Spread", api.ArtifactKindTimeSeries); got != "Spread_pnl.csv" {
		t.Errorf("FileName(time_series) = %q", got)
	}
}

func TestParseStatistics(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "A_statistics.csv", "Metric,Value\nSharpe,1.2\nMaxDrawdown,-0.0835\nTrades,42\n")

	stats, present, err := ParseStatistics(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !present {
		t.Error("present = false, want true")
	}
	want := map[string]string{"Sharpe": "1.2", "MaxDrawdown": "-0.0835", "Trades": "42"}
	if len(stats) != len(want) {
		t.Fatalf("got %d metrics, want %d", len(stats), len(want))
	}
	for k, v := range want {
		got, ok := stats[k]
		if !ok {
			t.Errorf("missing metric %q", k)
			continue
		}
		if !got.Equal(decimal.RequireFromString(v)) {
			t.Errorf("stats[%q] = %s, want %s", k, got, v)
		}
	}
}

func TestParseStatisticsHeaderOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "A_statistics.csv", "value,Unit,metric\r\n3.5,pct,Return\r\n")

	stats, _, err := ParseStatistics(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stats["Return"].Equal(decimal.RequireFromString("3.5")) {
		t.Errorf("Return = %s, want 3.5", stats["Return"])
	}
}

func TestParseStatisticsMissing(t *testing.T) {
	stats, present, err := ParseStatistics(filepath.Join(t.TempDir(), "nope.csv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if present {
		t.Error("present = true, want false")
	}
	if stats == nil || len(stats) != 0 {
		t.Errorf("stats = %v, want empty map", stats)
	}
}

func TestParseStatisticsEmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "A_statistics.csv", "")
	stats, present, err := ParseStatistics(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !present || len(stats) != 0 {
		t.Errorf("present=%v len=%d, want true/0", present, len(stats))
	}
}

func TestParseStatisticsErrors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantLine  int
		wantField string
	}{
		{"non-numeric value", "Metric,Value\nSharpe,1.2\nReturn,high\n", 3, ColumnValue},
		{"nan value", "Metric,Value\nSharpe,NaN\n", 2, ColumnValue},
		{"empty value", "Metric,Value\nSharpe,\n", 2, ColumnValue},
		{"empty metric name", "Metric,Value\n,1\n", 2, ColumnMetric},
		{"short row", "Metric,Value\nSharpe\n", 2, ColumnValue},
		{"missing column", "Name,Value\nSharpe,1\n", 1, ""},
		{"unterminated quote", "Metric,Value\n\"Sharpe,1\n", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "A_statistics.csv", tt.content)
			stats, present, err := ParseStatistics(path)
			if err == nil {
				t.Fatalf("expected error, got %v", stats)
			}
			if !present {
				t.Error("present = false, want true")
			}
			if len(stats) != 0 {
				t.Errorf("stats = %v, want empty on error", stats)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error %T is not *ParseError: %v", err, err)
			}
			if pe.File != path {
				t.Errorf("File = %q, want %q", pe.File, path)
			}
			if pe.Line != tt.wantLine {
				t.Errorf("Line = %d, want %d", pe.Line, tt.wantLine)
			}
			if pe.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", pe.Field, tt.wantField)
			}
		})
	}
}

func TestParseTimeSeries(t *testing.T) {
	path := writeFile(t, t.TempDir(), "A_pnl.csv", "Index,PnL\n0,5000\n1,5120\n2,5080.25\n")

	points, present, err := ParseTimeSeries(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !present {
		t.Error("present = false, want true")
	}
	if len(points) != 3 {
		t.Fatalf("got %d points, want 3", len(points))
	}
	for i, want := range []string{"5000", "5120", "5080.25"} {
		if points[i].Index != i {
			t.Errorf("points[%d].Index = %d", i, points[i].Index)
		}
		if !points[i].PnL.Equal(decimal.RequireFromString(want)) {
			t.Errorf("points[%d].PnL = %s, want %s", i, points[i].PnL, want)
		}
	}
}

func TestParseTimeSeriesMissing(t *testing.T) {
	points, present, err := ParseTimeSeries(filepath.Join(t.TempDir(), "A_pnl.csv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if present {
		t.Error("present = true, want false")
	}
	if points == nil || len(points) != 0 {
		t.Errorf("points = %v, want empty slice", points)
	}
}

func TestParseTimeSeriesErrors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantField string
	}{
		{"fractional index", "Index,PnL\n0.5,100\n", ColumnIndex},
		{"bad pnl", "Index,PnL\n0,abc\n", ColumnPnL},
		{"missing pnl column", "Index,Value\n0,1\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "A_pnl.csv", tt.content)
			_, _, err := ParseTimeSeries(path)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if pe.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", pe.Field, tt.wantField)
			}
			apiErr := pe.APIError()
			if apiErr.Type != api.ErrorTypeParseError {
				t.Errorf("APIError.Type = %q, want parse_error", apiErr.Type)
			}
			if apiErr.Param != "A_pnl.csv" {
				t.Errorf("APIError.Param = %q, want A_pnl.csv", apiErr.Param)
			}
		})
	}
}

func TestFinalPnL(t *testing.T) {
	def := decimal.NewFromInt(10000)

	if got := FinalPnL(nil, def); !got.Equal(def) {
		t.Errorf("FinalPnL(empty) = %s, want %s", got, def)
	}

	points := []api.SeriesPoint{
		{Index: 0, PnL: decimal.NewFromInt(5000)},
		{Index: 1, PnL: decimal.NewFromInt(5120)},
	}
	if got := FinalPnL(points, def); !got.Equal(decimal.NewFromInt(5120)) {
		t.Errorf("FinalPnL = %s, want 5120", got)
	}
}

func TestParseErrorMessage(t *testing.T) {
	pe := &ParseError{File: "/tmp/x/A_pnl.csv", Line: 4, Field: "PnL", Value: "abc", Err: errors.New("bad")}
	want := `A_pnl.csv:4: invalid PnL value "abc": bad`
	if got := pe.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
