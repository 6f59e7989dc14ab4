// Package collector is the single shared sink for a scenario run. Virtual
// users and the resource sampler write into the record set open for their
// (scenario, level) key; the runner seals the set once the level, including
// its grace period, is finished. All writes are append-only under one lock,
// so no entry is lost to concurrent writers and entry order is
// collector-receipt order.
package collector

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"qabench/internal/bench"
)

type Collector struct {
	mu     sync.Mutex
	open   map[bench.Key]*bench.RunRecordSet
	sealed map[bench.Key]*bench.RunRecordSet

	live    *liveStats
	updates chan Snapshot

	log *zap.Logger
}

// New builds a collector. updates may be nil when no live progress consumer
// exists.
func New(updates chan Snapshot, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		open:    make(map[bench.Key]*bench.RunRecordSet),
		sealed:  make(map[bench.Key]*bench.RunRecordSet),
		live:    newLiveStats(),
		updates: updates,
		log:     log,
	}
}

// Open creates the record set for a key. Opening a key twice, or reopening a
// sealed key, is a runner bug.
func (c *Collector) Open(key bench.Key, startedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.open[key]; ok {
		return fmt.Errorf("record set %v already open", key)
	}
	if _, ok := c.sealed[key]; ok {
		return fmt.Errorf("record set %v already sealed", key)
	}
	c.open[key] = &bench.RunRecordSet{
		ScenarioID: key.ScenarioID,
		Level:      key.Level,
		StartedAt:  startedAt,
	}
	return nil
}

// AddResult appends a request outcome. A result arriving for a sealed key is
// a late completion past the grace period: it is re-tagged error(late_result)
// and kept in the set's overflow bucket rather than dropped or rejected.
func (c *Collector) AddResult(key bench.Key, r bench.RequestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rs, ok := c.open[key]; ok {
		rs.Results = append(rs.Results, r)
		c.live.add(r.Outcome == bench.OutcomeSuccess, r.Bytes, r.Latency.Microseconds())
		return
	}
	if rs, ok := c.sealed[key]; ok {
		r.Outcome = bench.OutcomeError
		r.ErrKind = bench.KindLate
		rs.Late = append(rs.Late, r)
		c.log.Debug("late result recorded in overflow",
			zap.String("scenario", key.ScenarioID),
			zap.Int("level", key.Level))
		return
	}
	c.log.Warn("result for unknown record set dropped",
		zap.String("scenario", key.ScenarioID),
		zap.Int("level", key.Level))
}

// AddSamples appends the sampler's output for the level. Samples after
// sealing are discarded; the envelope windows on wall-clock time anyway.
func (c *Collector) AddSamples(key bench.Key, samples []bench.ResourceSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.open[key]
	if !ok {
		c.log.Warn("samples for unknown or sealed record set dropped",
			zap.String("scenario", key.ScenarioID),
			zap.Int("level", key.Level))
		return
	}
	rs.Samples = append(rs.Samples, samples...)
}

// Seal finalizes the record set for a key and returns it. No further results
// enter Results after this point; late arrivals land in the overflow bucket.
func (c *Collector) Seal(key bench.Key, endedAt time.Time, status bench.RunStatus) (*bench.RunRecordSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.open[key]
	if !ok {
		return nil, fmt.Errorf("cannot seal %v: not open", key)
	}
	rs.Seal(endedAt, status)
	delete(c.open, key)
	c.sealed[key] = rs
	return rs, nil
}

// Sealed returns the finalized record set for a key, if any.
func (c *Collector) Sealed(key bench.Key) (*bench.RunRecordSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.sealed[key]
	return rs, ok
}

// Snapshot copies the live counters.
func (c *Collector) Snapshot() Snapshot {
	return c.live.snapshot()
}

// Publish pushes a snapshot to the updates channel without blocking; a slow
// consumer just misses ticks.
func (c *Collector) Publish() {
	if c.updates == nil {
		return
	}
	select {
	case c.updates <- c.live.snapshot():
	default:
	}
}
