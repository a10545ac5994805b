package artifact

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
)

// Column names of the artifact tables.
const (
	ColumnMetric = "Metric"
	ColumnValue  = "Value"
	ColumnIndex  = "Index"
	ColumnPnL    = "PnL"
)

// StatisticsFile returns the statistics artifact file name for a strategy.
func StatisticsFile(strategy string) string {
	return strategy + "_statistics.csv"
}

// TimeSeriesFile returns the time-series artifact file name for a strategy.
func TimeSeriesFile(strategy string) string {
	return strategy + "_pnl.csv"
}

// FileName returns the artifact file name of the given kind.
func FileName(strategy string, kind api.ArtifactKind) string {
	if kind == api.ArtifactKindStatistics {
		return StatisticsFile(strategy)
	}
	return TimeSeriesFile(strategy)
}

// ParseStatistics reads a statistics table at path. It returns the metric
// map and whether the file existed. A missing file yields an empty map and
// present=false with no error.
func ParseStatistics(path string) (stats map[string]decimal.Decimal, present bool, err error) {
	stats = make(map[string]decimal.Decimal)

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, false, nil
	}
	if err != nil {
		return stats, false, fmt.Errorf("opening statistics artifact: %w", err)
	}
	defer f.Close()

	err = readTable(f, path, []string{ColumnMetric, ColumnValue}, func(line int, row []string) error {
		name := strings.TrimSpace(row[0])
		if name == "" {
			return &ParseError{File: path, Line: line, Field: ColumnMetric, Value: row[0], Err: errors.New("empty metric name")}
		}
		v, err := parseDecimal(path, line, ColumnValue, row[1])
		if err != nil {
			return err
		}
		stats[name] = v
		return nil
	})
	if err != nil {
		return make(map[string]decimal.Decimal), true, err
	}
	return stats, true, nil
}

// ParseTimeSeries reads a time-series table at path, preserving row order.
// A missing file yields an empty sequence and present=false with no error.
func ParseTimeSeries(path string) (points []api.SeriesPoint, present bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []api.SeriesPoint{}, false, nil
	}
	if err != nil {
		return []api.SeriesPoint{}, false, fmt.Errorf("opening time-series artifact: %w", err)
	}
	defer f.Close()

	points = []api.SeriesPoint{}
	err = readTable(f, path, []string{ColumnIndex, ColumnPnL}, func(line int, row []string) error {
		idx, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return &ParseError{File: path, Line: line, Field: ColumnIndex, Value: row[0], Err: err}
		}
		v, err := parseDecimal(path, line, ColumnPnL, row[1])
		if err != nil {
			return err
		}
		points = append(points, api.SeriesPoint{Index: idx, PnL: v})
		return nil
	})
	if err != nil {
		return []api.SeriesPoint{}, true, err
	}
	return points, true, nil
}

// FinalPnL returns the PnL of the last point, or def when the series is empty.
func FinalPnL(points []api.SeriesPoint, def decimal.Decimal) decimal.Decimal {
	if len(points) == 0 {
		return def
	}
	return points[len(points)-1].PnL
}

// readTable reads a CSV table whose header must contain the named columns
// (matched case-insensitively, in any position). fn receives the selected
// cells of every data row in column order. An empty file is an empty table.
func readTable(r io.Reader, path string, columns []string, fn func(line int, row []string) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return csvError(path, err)
	}

	positions := make([]int, len(columns))
	for i, col := range columns {
		positions[i] = -1
		for j, h := range header {
			if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), col) {
				positions[i] = j
				break
			}
		}
		if positions[i] < 0 {
			return &ParseError{File: path, Line: 1, Err: fmt.Errorf("missing %s column", col)}
		}
	}

	row := make([]string, len(columns))
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return csvError(path, err)
		}
		line, _ := cr.FieldPos(0)

		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		for i, p := range positions {
			if p >= len(record) {
				return &ParseError{File: path, Line: line, Field: columns[i], Err: errors.New("missing value")}
			}
			row[i] = record[p]
		}
		if err := fn(line, row); err != nil {
			return err
		}
	}
}

func parseDecimal(path string, line int, field, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, &ParseError{File: path, Line: line, Field: field, Value: raw, Err: err}
	}
	return v, nil
}

func csvError(path string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{File: path, Line: pe.Line, Err: pe.Err}
	}
	return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
}
