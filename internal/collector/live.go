package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// safeHistogram is a thread-safe wrapper around hdrhistogram, used only for
// the live progress view. Offline aggregation works from the raw samples in
// the sealed record set, not from here.
type safeHistogram struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

func newSafeHistogram() *safeHistogram {
	// 1us to 10min, 3 significant figures
	h := hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)
	return &safeHistogram{hist: h}
}

func (h *safeHistogram) recordValue(v int64) {
	h.mu.Lock()
	h.hist.RecordValue(v)
	h.mu.Unlock()
}

func (h *safeHistogram) valueAtQuantile(q float64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.ValueAtQuantile(q)
}

func (h *safeHistogram) max() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Max()
}

// Snapshot is a cheap copy of the live counters, published over the updates
// channel while a level is recording.
type Snapshot struct {
	Requests uint64
	Success  uint64
	Fail     uint64
	Bytes    uint64

	P50Ms float64
	P90Ms float64
	P99Ms float64
	MaxMs int64
}

type liveStats struct {
	requests uint64
	success  uint64
	fail     uint64
	bytes    uint64
	latency  *safeHistogram
}

func newLiveStats() *liveStats {
	return &liveStats{latency: newSafeHistogram()}
}

func (s *liveStats) add(success bool, bytes int64, latencyUs int64) {
	atomic.AddUint64(&s.requests, 1)
	if success {
		atomic.AddUint64(&s.success, 1)
	} else {
		atomic.AddUint64(&s.fail, 1)
	}
	if bytes > 0 {
		atomic.AddUint64(&s.bytes, uint64(bytes))
	}
	s.latency.recordValue(latencyUs)
}

func (s *liveStats) snapshot() Snapshot {
	return Snapshot{
		Requests: atomic.LoadUint64(&s.requests),
		Success:  atomic.LoadUint64(&s.success),
		Fail:     atomic.LoadUint64(&s.fail),
		Bytes:    atomic.LoadUint64(&s.bytes),
		P50Ms:    float64(s.latency.valueAtQuantile(50)) / 1000.0,
		P90Ms:    float64(s.latency.valueAtQuantile(90)) / 1000.0,
		P99Ms:    float64(s.latency.valueAtQuantile(99)) / 1000.0,
		MaxMs:    s.latency.max() / 1000,
	}
}
