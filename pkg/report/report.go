// Package report renders one strategy's statistics and time series as a
// downloadable XLSX workbook or PDF document.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/rhuss/backtestd/pkg/api"
)

// Format is an export format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// maxPDFRows caps the time-series table in PDFs. The XLSX export is not capped.
const maxPDFRows = 1000

// ParseFormat validates a client-supplied format.
func ParseFormat(s string) (Format, *api.APIError) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatXLSX:
		return FormatXLSX, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", api.NewInvalidRequestError("format", fmt.Sprintf("unsupported export format %q (supported: xlsx, pdf)", s))
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// FileName returns the download name for a strategy report.
func (f Format) FileName(strategy string) string {
	return fmt.Sprintf("%s_report.%s", strategy, f)
}

// Report is the data rendered into an export.
type Report struct {
	Strategy      string
	SessionID     string
	Statistics    map[string]decimal.Decimal
	FinalPnL      decimal.Decimal
	HasTimeSeries bool
	Series        []api.SeriesPoint
	GeneratedAt   time.Time
}

// Render builds the report in the given format.
func Render(f Format, r *Report) ([]byte, error) {
	switch f {
	case FormatXLSX:
		return BuildXLSX(r)
	case FormatPDF:
		return BuildPDF(r)
	default:
		return nil, fmt.Errorf("unsupported format %q", f)
	}
}

// BuildXLSX renders a workbook with a summary sheet (metadata and
// statistics) and a pnl sheet (the full time series).
func BuildXLSX(r *Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	pnlSheet := "pnl"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("renaming sheet: %w", err)
	}
	if _, err := f.NewSheet(pnlSheet); err != nil {
		return nil, fmt.Errorf("creating pnl sheet: %w", err)
	}

	_ = f.SetCellValue(summarySheet, "A1", "Backtest Report")
	_ = f.SetCellValue(summarySheet, "A3", "Strategy")
	_ = f.SetCellValue(summarySheet, "B3", r.Strategy)
	_ = f.SetCellValue(summarySheet, "A4", "Session")
	_ = f.SetCellValue(summarySheet, "B4", r.SessionID)
	_ = f.SetCellValue(summarySheet, "A5", "Generated")
	_ = f.SetCellValue(summarySheet, "B5", r.GeneratedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Final PnL")
	_ = f.SetCellValue(summarySheet, "B6", r.FinalPnL.InexactFloat64())

	_ = f.SetCellValue(summarySheet, "A8", "Metric")
	_ = f.SetCellValue(summarySheet, "B8", "Value")
	for i, name := range sortedMetrics(r.Statistics) {
		row := i + 9
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), name)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), r.Statistics[name].InexactFloat64())
	}

	_ = f.SetCellValue(pnlSheet, "A1", "Index")
	_ = f.SetCellValue(pnlSheet, "B1", "PnL")
	for i, p := range r.Series {
		row := i + 2
		_ = f.SetCellValue(pnlSheet, fmt.Sprintf("A%d", row), p.Index)
		_ = f.SetCellValue(pnlSheet, fmt.Sprintf("B%d", row), p.PnL.InexactFloat64())
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildPDF renders a one-document summary: metadata, a statistics table,
// and the time series (first maxPDFRows rows).
func BuildPDF(r *Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Backtest Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Strategy: %s", r.Strategy))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Session: %s", r.SessionID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", r.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Final PnL: %s", r.FinalPnL.StringFixed(2)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(80, 6, "Metric", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, name := range sortedMetrics(r.Statistics) {
		pdf.CellFormat(80, 6, name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, r.Statistics[name].String(), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	pdf.Ln(6)
	if !r.HasTimeSeries {
		pdf.Cell(0, 6, "No time series was produced for this strategy.")
		pdf.Ln(5)
	} else {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(30, 6, "Index", "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, "PnL", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for i, p := range r.Series {
			if i == maxPDFRows {
				pdf.Cell(0, 6, fmt.Sprintf("... %d more rows (use the xlsx export for the full series)", len(r.Series)-maxPDFRows))
				pdf.Ln(5)
				break
			}
			pdf.CellFormat(30, 6, fmt.Sprintf("%d", p.Index), "1", 0, "R", false, 0, "")
			pdf.CellFormat(50, 6, p.PnL.StringFixed(2), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("writing pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedMetrics(stats map[string]decimal.Decimal) []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
