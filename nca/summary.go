package nca

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/kshedden/pkfit/statmodel"
)

// Metric extracts one NCA quantity from a result.
type Metric struct {
	Name  string
	Value func(*Result) float64
}

// Metrics lists the quantities reported in summaries.
var Metrics = []Metric{
	{"Cmax", func(r *Result) float64 { return r.Cmax }},
	{"Tmax", func(r *Result) float64 { return r.Tmax }},
	{"AUClast", func(r *Result) float64 { return r.AUClast }},
	{"AUCinf", func(r *Result) float64 { return r.AUCinf }},
	{"LambdaZ", func(r *Result) float64 { return r.LambdaZ }},
	{"HalfLife", func(r *Result) float64 { return r.HalfLife }},
	{"CL/F", func(r *Result) float64 { return r.CL }},
	{"Vz/F", func(r *Result) float64 { return r.Vz }},
}

// MetricSummary describes the distribution of one metric over subjects.
type MetricSummary struct {
	Name   string
	N      int
	Mean   float64
	SD     float64
	Median float64
	Min    float64
	Max    float64
}

// Summarize returns the distribution of each metric over the results.
// NaN values, which arise when no terminal phase was found, are
// excluded.
func Summarize(results []*Result) []MetricSummary {

	var sums []MetricSummary
	for _, m := range Metrics {
		var x []float64
		for _, r := range results {
			if v := m.Value(r); !math.IsNaN(v) && !math.IsInf(v, 0) {
				x = append(x, v)
			}
		}

		ms := MetricSummary{Name: m.Name, N: len(x)}
		if len(x) == 0 {
			ms.Mean, ms.SD, ms.Median, ms.Min, ms.Max = math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()
			sums = append(sums, ms)
			continue
		}

		sort.Float64s(x)
		ms.Mean, ms.SD = stat.MeanStdDev(x, nil)
		ms.Median = stat.Quantile(0.5, stat.Empirical, x, nil)
		ms.Min = x[0]
		ms.Max = x[len(x)-1]
		sums = append(sums, ms)
	}

	return sums
}

// Table returns a summary table of the per-subject results, and of the
// pooled profile if it is not nil.
func Table(results []*Result, pooled *Result, cfg Config) *statmodel.SummaryTable {

	sums := Summarize(results)

	var names []string
	var n []int
	var mean, sd, med, lo, hi, pool []float64
	for j, s := range sums {
		names = append(names, s.Name)
		n = append(n, s.N)
		mean = append(mean, s.Mean)
		sd = append(sd, s.SD)
		med = append(med, s.Median)
		lo = append(lo, s.Min)
		hi = append(hi, s.Max)
		if pooled != nil {
			pool = append(pool, Metrics[j].Value(pooled))
		}
	}

	tab := &statmodel.SummaryTable{
		Title: "Non-compartmental analysis",
		Top: []string{
			fmt.Sprintf("Subjects: %d", len(results)),
			fmt.Sprintf("AUC:      %s", cfg.AUCMethod),
		},
		ColNames: []string{"Metric", "N", "Mean", "SD", "Median", "Min", "Max"},
		ColFmt: []statmodel.Fmter{statmodel.StringFmt, statmodel.IntFmt, statmodel.GeneralFmt,
			statmodel.GeneralFmt, statmodel.GeneralFmt, statmodel.GeneralFmt, statmodel.GeneralFmt},
		Cols: []interface{}{names, n, mean, sd, med, lo, hi},
	}

	if pooled != nil {
		tab.ColNames = append(tab.ColNames, "Pooled")
		tab.ColFmt = append(tab.ColFmt, statmodel.GeneralFmt)
		tab.Cols = append(tab.Cols, pool)
	}

	var nolz int
	for _, r := range results {
		if math.IsNaN(r.LambdaZ) {
			nolz++
		}
	}
	if nolz > 0 {
		tab.Msg = append(tab.Msg, fmt.Sprintf("%d subjects have no usable terminal phase", nolz))
	}

	return tab
}
