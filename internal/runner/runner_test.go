package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabench/internal/bench"
	"qabench/internal/collector"
	"qabench/internal/sampler"
	"qabench/internal/stats"
)

// steadyClient answers every query successfully after a fixed latency.
type steadyClient struct {
	latency time.Duration
	calls   atomic.Int64
}

func (c *steadyClient) Invoke(ctx context.Context, query string, timeout time.Duration) bench.RequestResult {
	c.calls.Add(1)
	issued := time.Now()
	time.Sleep(c.latency)
	return bench.RequestResult{
		IssuedAt: issued,
		Latency:  c.latency,
		Outcome:  bench.OutcomeSuccess,
		Bytes:    256,
	}
}

// flakyClient fails 3 of every 5 calls with a connection error.
type flakyClient struct {
	calls atomic.Int64
}

func (c *flakyClient) Invoke(ctx context.Context, query string, timeout time.Duration) bench.RequestResult {
	n := c.calls.Add(1)
	res := bench.RequestResult{IssuedAt: time.Now(), Latency: time.Millisecond}
	if n%5 < 3 {
		res.Outcome = bench.OutcomeError
		res.ErrKind = bench.KindConnection
	} else {
		res.Outcome = bench.OutcomeSuccess
	}
	return res
}

// crashClient panics on every call, simulating a broken adapter.
type crashClient struct{}

func (crashClient) Invoke(ctx context.Context, query string, timeout time.Duration) bench.RequestResult {
	panic("adapter contract violation")
}

// pickyClient rejects anything but the expected well-formed query.
type pickyClient struct {
	expect string
}

func (c *pickyClient) Invoke(ctx context.Context, query string, timeout time.Duration) bench.RequestResult {
	res := bench.RequestResult{IssuedAt: time.Now(), Latency: time.Millisecond}
	if query == c.expect {
		res.Outcome = bench.OutcomeSuccess
	} else {
		res.Outcome = bench.OutcomeError
		res.ErrKind = bench.KindInvalidInput
	}
	return res
}

func baseConfig() bench.ScenarioConfig {
	return bench.ScenarioConfig{
		ID:            "test",
		Kind:          bench.KindBaseline,
		Levels:        []int{1},
		LevelDuration: 400 * time.Millisecond,
		UserRate:      20,
		Timeout:       200 * time.Millisecond,
		Queries:       bench.NewListGenerator("why is the sky blue?"),
	}
}

func newTestRunner(t *testing.T, cfg bench.ScenarioConfig, client interface {
	Invoke(context.Context, string, time.Duration) bench.RequestResult
}) (*Runner, *collector.Collector) {
	t.Helper()
	col := collector.New(nil, nil)
	r, err := New(cfg, client, col, sampler.New(nil), nil)
	require.NoError(t, err)
	r.SampleInterval = 50 * time.Millisecond
	return r, col
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{5, 1}

	_, err := New(cfg, &steadyClient{}, collector.New(nil, nil), sampler.New(nil), nil)
	assert.Error(t, err)
}

func TestEndToEndSteadyTarget(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{1, 3}
	cfg.WarmupRequests = 2
	client := &steadyClient{latency: 5 * time.Millisecond}

	r, _ := newTestRunner(t, cfg, client)
	sets, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sets, 2)

	for _, rs := range sets {
		assert.Equal(t, bench.StatusCompleted, rs.Status)
		assert.True(t, rs.Sealed())
		assert.Empty(t, rs.Late)
	}

	m1 := stats.Aggregate(sets[0])
	m3 := stats.Aggregate(sets[1])

	assert.Equal(t, 0.0, m1.ErrorRate)
	assert.Equal(t, 0.0, m3.ErrorRate)

	// 20 req/s per user over 400ms: roughly 8 requests at level 1 and 24
	// at level 3. Scheduling jitter makes exact counts flaky; the spread
	// between levels is the real assertion.
	assert.Greater(t, m1.Succeeded, 3)
	assert.Greater(t, m3.Succeeded, 2*m1.Succeeded)
	assert.InDelta(t, 20, m1.Throughput, 12)
	assert.InDelta(t, 60, m3.Throughput, 30)

	require.NotNil(t, m1.Latency)
	assert.GreaterOrEqual(t, m1.Latency.P50, 5*time.Millisecond)
	assert.Less(t, m1.Latency.P50, 50*time.Millisecond)

	// Warm-up requests hit the adapter but never the record sets.
	recorded := int64(m1.Total + m3.Total)
	assert.Equal(t, recorded+4, client.calls.Load())
}

func TestUnreachableTargetAbortsLevelEarly(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{1, 2}
	cfg.LevelDuration = 5 * time.Second
	cfg.UserRate = 200
	cfg.Timeout = 50 * time.Millisecond

	r, _ := newTestRunner(t, cfg, &flakyClient{})

	begin := time.Now()
	sets, err := r.Run(context.Background())
	elapsed := time.Since(begin)

	require.NoError(t, err)
	require.Len(t, sets, 2, "an aborted level must not stop the scenario")

	for _, rs := range sets {
		assert.Equal(t, bench.StatusAbortedUnreachable, rs.Status)
	}
	// Two 5s levels were configured; the abort window must cut both well
	// short instead of spending the full 10s against a dead target.
	assert.Less(t, elapsed, 3*time.Second)

	m := stats.Aggregate(sets[0])
	assert.Greater(t, m.Errors[bench.KindConnection], 0)
}

func TestAdapterCrashKillsOnlyItsUser(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{1, 2}
	cfg.LevelDuration = 200 * time.Millisecond

	r, _ := newTestRunner(t, cfg, crashClient{})
	sets, err := r.Run(context.Background())

	require.NoError(t, err, "a crash is fatal to the virtual user, not the run")
	require.Len(t, sets, 2, "sibling levels keep running")

	m1 := stats.Aggregate(sets[0])
	m2 := stats.Aggregate(sets[1])
	assert.Equal(t, 1, m1.Errors[bench.KindAdapterCrash])
	assert.Equal(t, 2, m2.Errors[bench.KindAdapterCrash])
	assert.Equal(t, bench.StatusCompleted, sets[0].Status)
}

func TestFaultInjectionSurfacesRejections(t *testing.T) {
	cfg := baseConfig()
	cfg.Kind = bench.KindFaultInjection
	cfg.FaultProportion = 0.5
	cfg.UserRate = 100
	cfg.LevelDuration = 300 * time.Millisecond

	r, _ := newTestRunner(t, cfg, &pickyClient{expect: "why is the sky blue?"})
	sets, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sets, 1)

	m := stats.Aggregate(sets[0])
	assert.Greater(t, m.Succeeded, 0, "clean queries still flow")
	assert.Greater(t, m.Errors[bench.KindInvalidInput], 0, "faults are rejected, not fatal")
	assert.Zero(t, m.Errors[bench.KindAdapterCrash])
	assert.Equal(t, bench.StatusCompleted, sets[0].Status)
}

func TestParentCancellationStopsScenario(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{1, 2, 3}
	cfg.LevelDuration = 5 * time.Second
	client := &steadyClient{latency: time.Millisecond}

	r, _ := newTestRunner(t, cfg, client)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	sets, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, sets, 1, "only the in-progress level is returned")
	assert.Equal(t, bench.StatusCancelled, sets[0].Status)
}

func TestResourceSamplesCoverTheLevel(t *testing.T) {
	cfg := baseConfig()
	cfg.LevelDuration = 300 * time.Millisecond

	r, _ := newTestRunner(t, cfg, &steadyClient{latency: time.Millisecond})
	sets, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sets, 1)

	samples := sets[0].Samples
	require.NotEmpty(t, samples)
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i].Timestamp.After(samples[i-1].Timestamp))
	}
}

func TestQueryGeneratorCyclesAcrossLevels(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{1, 2}
	cfg.LevelDuration = 150 * time.Millisecond
	cfg.UserRate = 100
	// Two queries only; the runner must cycle rather than run dry.
	cfg.Queries = bench.NewListGenerator("q1", "q2")

	r, _ := newTestRunner(t, cfg, &steadyClient{latency: time.Millisecond})
	sets, err := r.Run(context.Background())
	require.NoError(t, err)

	for _, rs := range sets {
		m := stats.Aggregate(rs)
		assert.Greater(t, m.Succeeded, 2, "generator exhaustion must not stall the level")
		assert.Equal(t, 0.0, m.ErrorRate)
	}
}

func TestAbortWindowThreshold(t *testing.T) {
	cfg := baseConfig()
	w := newAbortWindow(cfg)
	now := time.Now()

	// Nine events are below the minimum sample count.
	for i := 0; i < 9; i++ {
		assert.False(t, w.observe(now.Add(time.Duration(i)*time.Millisecond), true))
	}
	// Tenth connection error trips 100% > 50%.
	assert.True(t, w.observe(now.Add(9*time.Millisecond), true))
}

func TestAbortWindowPrunesOldEvents(t *testing.T) {
	cfg := baseConfig()
	cfg.AbortWindow = 100 * time.Millisecond
	w := newAbortWindow(cfg)
	now := time.Now()

	for i := 0; i < 20; i++ {
		w.observe(now.Add(time.Duration(i)*time.Millisecond), true)
	}
	// Far past the window: the old failures no longer count.
	assert.False(t, w.observe(now.Add(time.Second), false))
}

func TestAbortWindowBelowThresholdStays(t *testing.T) {
	cfg := baseConfig()
	w := newAbortWindow(cfg)
	now := time.Now()

	// 40% connection errors: under the default 50%.
	abort := false
	for i := 0; i < 50; i++ {
		abort = w.observe(now.Add(time.Duration(i)*time.Millisecond), i%5 < 2) || abort
	}
	assert.False(t, abort)
}
