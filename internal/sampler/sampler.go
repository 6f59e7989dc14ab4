// Package sampler periodically reads host resource indicators, independent
// of request flow, so resource pressure stays visible even when the target
// has stalled completely.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"qabench/internal/bench"
)

// Handle owns one running sampling loop. Stop ends the loop and returns the
// finite sample sequence, strictly ordered by timestamp.
type Handle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	samples []bench.ResourceSample
}

// Stop terminates the loop and waits for the final tick to land.
func (h *Handle) Stop() []bench.ResourceSample {
	h.cancel()
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bench.ResourceSample, len(h.samples))
	copy(out, h.samples)
	return out
}

type Sampler struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Sampler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{log: log}
}

// ioTotals are cumulative counters used to turn gopsutil's totals into
// per-interval deltas.
type ioTotals struct {
	diskRead, diskWrite uint64
	netRecv, netSent    uint64
	valid               bool
}

// Start launches the sampling loop at the given interval. The loop runs on
// its own schedule until Stop or ctx cancellation.
func (s *Sampler) Start(ctx context.Context, interval time.Duration) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev ioTotals
		// Prime CPU measurement and IO baselines so the first real tick
		// reports a meaningful interval.
		cpu.PercentWithContext(ctx, 0, false)
		prev = s.readTotals(ctx, prev)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample, next := s.take(ctx, prev)
				prev = next
				h.mu.Lock()
				h.samples = append(h.samples, sample)
				h.mu.Unlock()
			}
		}
	}()
	return h
}

func (s *Sampler) take(ctx context.Context, prev ioTotals) (bench.ResourceSample, ioTotals) {
	sample := bench.ResourceSample{Timestamp: time.Now()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	} else if err != nil {
		s.log.Debug("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemBytes = vm.Used
	} else {
		s.log.Debug("memory sample failed", zap.Error(err))
	}

	cur := s.readTotals(ctx, prev)
	if prev.valid && cur.valid {
		sample.DiskRead = delta(cur.diskRead, prev.diskRead)
		sample.DiskWrite = delta(cur.diskWrite, prev.diskWrite)
		sample.NetRecv = delta(cur.netRecv, prev.netRecv)
		sample.NetSent = delta(cur.netSent, prev.netSent)
	}
	return sample, cur
}

func (s *Sampler) readTotals(ctx context.Context, fallback ioTotals) ioTotals {
	t := ioTotals{valid: true}

	if counters, err := disk.IOCountersWithContext(ctx); err == nil {
		for _, c := range counters {
			t.diskRead += c.ReadBytes
			t.diskWrite += c.WriteBytes
		}
	} else {
		s.log.Debug("disk counters failed", zap.Error(err))
		t.valid = false
	}

	if nics, err := gnet.IOCountersWithContext(ctx, false); err == nil && len(nics) > 0 {
		t.netRecv = nics[0].BytesRecv
		t.netSent = nics[0].BytesSent
	} else {
		if err != nil {
			s.log.Debug("net counters failed", zap.Error(err))
		}
		t.valid = false
	}

	if !t.valid && fallback.valid {
		return fallback
	}
	return t
}

// delta guards against counter resets.
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
