package main

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Annualization assumes minute bars: 390 per day, 252 days per year.
const periodsPerYear = 390 * 252

// simulate returns a deterministic equity curve of n points for a strategy.
// The same name, n and capital always yield the same curve.
func simulate(strategy string, n int, capital float64) []float64 {
	h := fnv.New64a()
	h.Write([]byte(strategy))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, uint64(n)))

	// Per-strategy drift and volatility, annualized.
	mu := 0.02 + float64(seed%7)*0.01
	sigma := 0.10 + float64(seed%5)*0.03
	dt := 1.0 / periodsPerYear

	series := make([]float64, n)
	series[0] = capital
	for i := 1; i < n; i++ {
		z := rng.NormFloat64()
		series[i] = series[i-1] * math.Exp((mu-sigma*sigma/2)*dt+sigma*math.Sqrt(dt)*z)
	}
	return series
}

// statistics computes the engine's standard metrics from an equity curve.
func statistics(series []float64) map[string]float64 {
	stats := map[string]float64{
		"MeanReturn":           0,
		"TotalReturn":          0,
		"MaxDrawdown":          0,
		"AnnualizedVolatility": 0,
		"Sharpe":               0,
		"Sortino":              0,
	}
	if len(series) < 2 {
		return stats
	}

	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev := series[i-1]
		returns = append(returns, (series[i]-prev)/(math.Abs(prev)+1e-8))
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance, downside float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
		if r < 0 {
			downside += r * r
		}
	}
	std := math.Sqrt(variance / float64(len(returns)))
	downStd := math.Sqrt(downside / float64(len(returns)))

	peak, maxDD := series[0], 0.0
	for _, v := range series {
		peak = math.Max(peak, v)
		if peak > 1e-8 {
			maxDD = math.Min(maxDD, (v-peak)/peak)
		}
	}

	stats["MeanReturn"] = mean
	if math.Abs(series[0]) > 1e-8 {
		stats["TotalReturn"] = series[len(series)-1]/series[0] - 1
	}
	stats["MaxDrawdown"] = maxDD
	stats["AnnualizedVolatility"] = std * math.Sqrt(periodsPerYear)
	if std > 1e-12 {
		stats["Sharpe"] = mean / std * math.Sqrt(periodsPerYear)
	}
	if downStd > 1e-12 {
		stats["Sortino"] = mean / downStd * math.Sqrt(periodsPerYear)
	}
	return stats
}

// writeArtifacts writes <strategy>_pnl.csv and <strategy>_statistics.csv.
func writeArtifacts(dir, strategy string, series []float64) error {
	if err := writeCSV(filepath.Join(dir, strategy+"_pnl.csv"), "Index,PnL", func(w *bufio.Writer) {
		for i, v := range series {
			fmt.Fprintf(w, "%d,%s\n", i, strconv.FormatFloat(v, 'f', 2, 64))
		}
	}); err != nil {
		return err
	}

	stats := statistics(series)
	names := make([]string, 0, len(stats))
	for k := range stats {
		names = append(names, k)
	}
	sort.Strings(names)

	return writeCSV(filepath.Join(dir, strategy+"_statistics.csv"), "Metric,Value", func(w *bufio.Writer) {
		for _, k := range names {
			fmt.Fprintf(w, "%s,%s\n", k, strconv.FormatFloat(stats[k], 'f', 6, 64))
		}
	})
}

func writeCSV(path, header string, rows func(w *bufio.Writer)) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, header)
	rows(w)
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
