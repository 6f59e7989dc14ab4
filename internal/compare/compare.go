// Package compare produces the metric-by-metric verdict between two
// candidates' summaries for the same (scenario, level). It is deterministic
// given identical inputs and options, and never mutates its inputs.
package compare

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"

	"qabench/internal/bench"
	"qabench/internal/stats"
)

// Direction declares which way a metric improves.
type Direction int

const (
	LowerIsBetter Direction = iota
	HigherIsBetter
)

// Winner tags the side with the better value, outside the noise threshold.
type Winner string

const (
	WinnerA   Winner = "A"
	WinnerB   Winner = "B"
	WinnerTie Winner = "tie"
)

// Metric declares one comparable dimension: how to extract it from a summary
// (ok=false when undefined for that summary), which direction is better, and
// its weight in the overall score.
type Metric struct {
	Name      string
	Direction Direction
	Weight    float64
	Extract   func(stats.AggregatedMetrics) (float64, bool)
}

// DefaultMetrics is the fixed comparison table. Latency metrics and error
// rate are lower-is-better; throughput is higher-is-better. p95 and
// throughput carry the heaviest weights, error rate next, remaining
// percentiles weight 1.
func DefaultMetrics() []Metric {
	lat := func(pick func(*stats.LatencySummary) float64) func(stats.AggregatedMetrics) (float64, bool) {
		return func(m stats.AggregatedMetrics) (float64, bool) {
			if m.Latency == nil {
				return 0, false
			}
			return pick(m.Latency), true
		}
	}
	return []Metric{
		{Name: "latency_p50", Direction: LowerIsBetter, Weight: 1,
			Extract: lat(func(l *stats.LatencySummary) float64 { return float64(l.P50) })},
		{Name: "latency_p90", Direction: LowerIsBetter, Weight: 1,
			Extract: lat(func(l *stats.LatencySummary) float64 { return float64(l.P90) })},
		{Name: "latency_p95", Direction: LowerIsBetter, Weight: 3,
			Extract: lat(func(l *stats.LatencySummary) float64 { return float64(l.P95) })},
		{Name: "latency_p99", Direction: LowerIsBetter, Weight: 1,
			Extract: lat(func(l *stats.LatencySummary) float64 { return float64(l.P99) })},
		{Name: "latency_mean", Direction: LowerIsBetter, Weight: 1,
			Extract: lat(func(l *stats.LatencySummary) float64 { return float64(l.Mean) })},
		{Name: "throughput", Direction: HigherIsBetter, Weight: 3,
			Extract: func(m stats.AggregatedMetrics) (float64, bool) { return m.Throughput, true }},
		{Name: "error_rate", Direction: LowerIsBetter, Weight: 2,
			Extract: func(m stats.AggregatedMetrics) (float64, bool) { return m.ErrorRate, true }},
	}
}

// Options tunes the analyzer. Zero values take the defaults.
type Options struct {
	// NoiseThreshold is the relative difference below which a metric is a
	// tie. Default 0.03 (3%).
	NoiseThreshold float64
	Metrics        []Metric
}

const DefaultNoiseThreshold = 0.03

func (o Options) threshold() float64 {
	if o.NoiseThreshold > 0 {
		return o.NoiseThreshold
	}
	return DefaultNoiseThreshold
}

func (o Options) metrics() []Metric {
	if len(o.Metrics) > 0 {
		return o.Metrics
	}
	return DefaultMetrics()
}

// MetricComparison is one row of the verdict.
type MetricComparison struct {
	Name   string  `json:"name"`
	A      float64 `json:"a"`
	B      float64 `json:"b"`
	ADef   bool    `json:"a_defined"`
	BDef   bool    `json:"b_defined"`
	Delta  float64 `json:"delta"` // A - B
	Ratio  float64 `json:"ratio"` // A / B, 0 when B is 0
	Winner Winner  `json:"winner"`
	Weight float64 `json:"weight"`
}

// Result pairs two summaries for the same key. Score is the weighted sum of
// per-metric win indicators: positive favors A, negative favors B.
type Result struct {
	ScenarioID string             `json:"scenario_id"`
	Level      int                `json:"level"`
	Metrics    []MetricComparison `json:"metrics"`
	Score      float64            `json:"score"`
	Overall    Winner             `json:"overall"`
}

// Compare analyzes two summaries for a matching (scenario, level) key.
func Compare(a, b stats.AggregatedMetrics, opts Options) (Result, error) {
	if a.Key() != b.Key() {
		return Result{}, fmt.Errorf("cannot compare mismatched keys %v and %v", a.Key(), b.Key())
	}

	res := Result{ScenarioID: a.ScenarioID, Level: a.Level}
	threshold := opts.threshold()

	for _, metric := range opts.metrics() {
		va, okA := metric.Extract(a)
		vb, okB := metric.Extract(b)

		mc := MetricComparison{
			Name:   metric.Name,
			A:      va,
			B:      vb,
			ADef:   okA,
			BDef:   okB,
			Weight: metric.Weight,
		}
		if okA && okB {
			mc.Delta = va - vb
			if vb != 0 {
				mc.Ratio = va / vb
			}
		}
		mc.Winner = decide(va, okA, vb, okB, metric.Direction, threshold)

		switch mc.Winner {
		case WinnerA:
			res.Score += metric.Weight
		case WinnerB:
			res.Score -= metric.Weight
		}
		res.Metrics = append(res.Metrics, mc)
	}

	switch {
	case res.Score > 0:
		res.Overall = WinnerA
	case res.Score < 0:
		res.Overall = WinnerB
	default:
		res.Overall = WinnerTie
	}
	return res, nil
}

// decide picks the winner for one metric. A side whose value is undefined
// (a level with zero successes has no latency) loses to a defined one; two
// undefined sides tie. Within the relative noise threshold the result is a
// tie regardless of direction.
func decide(va float64, okA bool, vb float64, okB bool, dir Direction, threshold float64) Winner {
	switch {
	case !okA && !okB:
		return WinnerTie
	case !okA:
		return WinnerB
	case !okB:
		return WinnerA
	}

	denom := math.Max(math.Abs(va), math.Abs(vb))
	if denom == 0 {
		return WinnerTie
	}
	if math.Abs(va-vb)/denom <= threshold {
		return WinnerTie
	}

	aBetter := va < vb
	if dir == HigherIsBetter {
		aBetter = va > vb
	}
	if aBetter {
		return WinnerA
	}
	return WinnerB
}

// Set holds the comparison across every key of a scenario run. Keys present
// in only one input are surfaced as incomparable rather than skipped.
type Set struct {
	Results      []Result    `json:"results"`
	Incomparable []bench.Key `json:"incomparable,omitempty"`
}

// CompareAll pairs two keyed summary maps.
func CompareAll(a, b map[bench.Key]stats.AggregatedMetrics, opts Options) (Set, error) {
	var set Set

	keys := lo.Uniq(append(lo.Keys(a), lo.Keys(b)...))
	// Deterministic output order for reproducible reports.
	sortKeys(keys)

	for _, k := range keys {
		ma, okA := a[k]
		mb, okB := b[k]
		if !okA || !okB {
			set.Incomparable = append(set.Incomparable, k)
			continue
		}
		r, err := Compare(ma, mb, opts)
		if err != nil {
			return Set{}, err
		}
		set.Results = append(set.Results, r)
	}
	return set, nil
}

func sortKeys(keys []bench.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ScenarioID != keys[j].ScenarioID {
			return keys[i].ScenarioID < keys[j].ScenarioID
		}
		return keys[i].Level < keys[j].Level
	})
}
