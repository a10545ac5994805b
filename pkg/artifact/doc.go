// Package artifact parses the tabular result files a backtest backend
// writes for each strategy: a statistics table with columns (Metric, Value)
// and a time-series table with columns (Index, PnL).
//
// Parsing is a pure function of file contents. A missing file is not an
// error: the parsers return an empty result and report absence so callers
// can surface it (for example as has_pnl=false). Malformed numeric fields
// fail with a *ParseError naming the file, line, and column.
package artifact
