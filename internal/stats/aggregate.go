// Package stats turns a sealed record set into a comparable summary.
// Aggregation is a pure function: the same sealed input always produces the
// same output, so artifacts can be re-aggregated offline.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"qabench/internal/bench"
)

// LatencySummary is the percentile set for one latency series. Nil summaries
// mean the series had no samples (e.g. a level with zero successes); the
// field stays defined downstream so total failure is explicit, not missing.
type LatencySummary struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// ScoreSummary aggregates the opaque 0-4 quality scores, when a judge
// attached any.
type ScoreSummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// ResourceEnvelope is the mean and peak per resource dimension over the
// level's wall-clock window.
type ResourceEnvelope struct {
	Samples       int     `json:"samples"`
	CPUMean       float64 `json:"cpu_mean"`
	CPUPeak       float64 `json:"cpu_peak"`
	MemMean       uint64  `json:"mem_mean"`
	MemPeak       uint64  `json:"mem_peak"`
	DiskReadMean  uint64  `json:"disk_read_mean"`
	DiskReadPeak  uint64  `json:"disk_read_peak"`
	DiskWriteMean uint64  `json:"disk_write_mean"`
	DiskWritePeak uint64  `json:"disk_write_peak"`
	NetRecvMean   uint64  `json:"net_recv_mean"`
	NetRecvPeak   uint64  `json:"net_recv_peak"`
	NetSentMean   uint64  `json:"net_sent_mean"`
	NetSentPeak   uint64  `json:"net_sent_peak"`
}

// AggregatedMetrics is the read-only summary of one sealed record set.
type AggregatedMetrics struct {
	ScenarioID string          `json:"scenario_id"`
	Level      int             `json:"level"`
	Status     bench.RunStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`

	Total     int                     `json:"total"`
	Succeeded int                     `json:"succeeded"`
	Timeouts  int                     `json:"timeouts"`
	Errors    map[bench.ErrorKind]int `json:"errors"`
	Late      int                     `json:"late"`

	// Latency summaries cover successful requests only. Breakdown holds
	// per-phase summaries keyed retrieval/context/generation/network,
	// present only for phases the target reported.
	Latency   *LatencySummary            `json:"latency,omitempty"`
	Breakdown map[string]*LatencySummary `json:"breakdown,omitempty"`
	Quality   *ScoreSummary              `json:"quality,omitempty"`

	// Throughput is successful requests over the level's wall-clock
	// duration, not the sum of per-request latencies.
	Throughput float64 `json:"throughput"`
	ErrorRate  float64 `json:"error_rate"`

	Resources ResourceEnvelope `json:"resources"`
}

// Key returns the (scenario, level) identity of the summary.
func (m AggregatedMetrics) Key() bench.Key {
	return bench.Key{ScenarioID: m.ScenarioID, Level: m.Level}
}

// Percentile computes the nearest-rank percentile over an ascending-sorted
// slice: p in (0,100] maps to index ceil(p/100*n)-1, clamped to [0,n-1].
// This exact rule is load-bearing: interpolating methods give visibly
// different answers at small sample counts.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func percentileFloat(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func summarize(latencies []time.Duration) *LatencySummary {
	if len(latencies) == 0 {
		return nil
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	sum := lo.Sum(sorted)
	return &LatencySummary{
		Count: len(sorted),
		Mean:  sum / time.Duration(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   Percentile(sorted, 50),
		P90:   Percentile(sorted, 90),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
	}
}

func summarizeScores(scores []float64) *ScoreSummary {
	if len(scores) == 0 {
		return nil
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)

	return &ScoreSummary{
		Count: len(sorted),
		Mean:  lo.Sum(sorted) / float64(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentileFloat(sorted, 50),
		P90:   percentileFloat(sorted, 90),
		P95:   percentileFloat(sorted, 95),
		P99:   percentileFloat(sorted, 99),
	}
}

// Aggregate computes the summary for a sealed record set. A set with zero
// completed requests still aggregates: latency summaries are nil, error rate
// is 1 and throughput 0, so downstream comparison can represent total
// failure explicitly.
func Aggregate(rs *bench.RunRecordSet) AggregatedMetrics {
	m := AggregatedMetrics{
		ScenarioID: rs.ScenarioID,
		Level:      rs.Level,
		Status:     rs.Status,
		StartedAt:  rs.StartedAt,
		EndedAt:    rs.EndedAt,
		Total:      len(rs.Results),
		Late:       len(rs.Late),
		Errors:     map[bench.ErrorKind]int{},
	}

	var successLatencies []time.Duration
	phases := map[string][]time.Duration{}
	var scores []float64

	for _, r := range rs.Results {
		switch r.Outcome {
		case bench.OutcomeSuccess:
			m.Succeeded++
			successLatencies = append(successLatencies, r.Latency)
			collectPhase(phases, "retrieval", r.Breakdown.Retrieval)
			collectPhase(phases, "context", r.Breakdown.Context)
			collectPhase(phases, "generation", r.Breakdown.Generation)
			collectPhase(phases, "network", r.Breakdown.Network)
		case bench.OutcomeTimeout:
			m.Timeouts++
		case bench.OutcomeError:
			m.Errors[r.ErrKind]++
		}
		if r.QualityScore != nil {
			scores = append(scores, *r.QualityScore)
		}
	}

	m.Latency = summarize(successLatencies)
	if len(phases) > 0 {
		m.Breakdown = lo.MapValues(phases, func(v []time.Duration, _ string) *LatencySummary {
			return summarize(v)
		})
	}
	m.Quality = summarizeScores(scores)

	wall := rs.EndedAt.Sub(rs.StartedAt)
	if wall > 0 {
		m.Throughput = float64(m.Succeeded) / wall.Seconds()
	}
	if m.Total > 0 {
		m.ErrorRate = float64(m.Total-m.Succeeded) / float64(m.Total)
	} else {
		// Zero completed requests is total failure, not missing data.
		m.ErrorRate = 1.0
	}

	m.Resources = envelope(rs.Samples, rs.StartedAt, rs.EndedAt)
	return m
}

func collectPhase(phases map[string][]time.Duration, name string, d *time.Duration) {
	if d != nil {
		phases[name] = append(phases[name], *d)
	}
}

// envelope aggregates the independently-sampled resource sequence over the
// half-open window [start, end); boundary samples at end are excluded.
func envelope(samples []bench.ResourceSample, start, end time.Time) ResourceEnvelope {
	in := lo.Filter(samples, func(s bench.ResourceSample, _ int) bool {
		return !s.Timestamp.Before(start) && s.Timestamp.Before(end)
	})

	env := ResourceEnvelope{Samples: len(in)}
	if len(in) == 0 {
		return env
	}

	var cpuSum float64
	var memSum, drSum, dwSum, nrSum, nsSum uint64
	for _, s := range in {
		cpuSum += s.CPUPercent
		memSum += s.MemBytes
		drSum += s.DiskRead
		dwSum += s.DiskWrite
		nrSum += s.NetRecv
		nsSum += s.NetSent

		env.CPUPeak = math.Max(env.CPUPeak, s.CPUPercent)
		env.MemPeak = max(env.MemPeak, s.MemBytes)
		env.DiskReadPeak = max(env.DiskReadPeak, s.DiskRead)
		env.DiskWritePeak = max(env.DiskWritePeak, s.DiskWrite)
		env.NetRecvPeak = max(env.NetRecvPeak, s.NetRecv)
		env.NetSentPeak = max(env.NetSentPeak, s.NetSent)
	}

	n := uint64(len(in))
	env.CPUMean = cpuSum / float64(n)
	env.MemMean = memSum / n
	env.DiskReadMean = drSum / n
	env.DiskWriteMean = dwSum / n
	env.NetRecvMean = nrSum / n
	env.NetSentMean = nsSum / n
	return env
}
