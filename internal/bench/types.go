package bench

import (
	"time"
)

// Outcome tags a request with exactly one terminal state.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// ErrorKind classifies an OutcomeError result. Kinds feed the per-kind error
// counts in aggregation and the unreachable-abort window in the runner.
type ErrorKind string

const (
	KindConnection   ErrorKind = "connection_error"
	KindHTTP         ErrorKind = "http_error"
	KindInvalidInput ErrorKind = "invalid_input_rejected"
	KindAdapterCrash ErrorKind = "adapter_crash"
	KindCancelled    ErrorKind = "cancelled"
	KindLate         ErrorKind = "late_result"
)

// Key identifies one (scenario, concurrency level) record set.
type Key struct {
	ScenarioID string `json:"scenario_id"`
	Level      int    `json:"level"`
}

// Breakdown carries optional per-phase latencies reported by the target.
// Fields are nil when the target did not report that phase. The sum need not
// equal the total latency; phases are instrumented on independent clocks.
type Breakdown struct {
	Retrieval  *time.Duration `json:"retrieval,omitempty"`
	Context    *time.Duration `json:"context,omitempty"`
	Generation *time.Duration `json:"generation,omitempty"`
	Network    *time.Duration `json:"network,omitempty"`
}

// RequestResult is the outcome of one logical query.
type RequestResult struct {
	ScenarioID string        `json:"scenario_id"`
	Level      int           `json:"level"`
	UserID     int           `json:"user_id"`
	IssuedAt   time.Time     `json:"issued_at"`
	Latency    time.Duration `json:"latency"`
	Breakdown  Breakdown     `json:"breakdown"`
	Outcome    Outcome       `json:"outcome"`
	ErrKind    ErrorKind     `json:"err_kind,omitempty"`
	Bytes      int64         `json:"bytes"`

	// QualityScore is an opaque 0-4 score attached post hoc by an external
	// judge. Nil when no judge ran.
	QualityScore *float64 `json:"quality_score,omitempty"`
}

// Failed reports whether the result counts against the error rate.
func (r RequestResult) Failed() bool {
	return r.Outcome != OutcomeSuccess
}

// ResourceSample is one tick of the host resource sampler.
type ResourceSample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	MemBytes   uint64    `json:"mem_bytes"`
	DiskRead   uint64    `json:"disk_read"`  // bytes since previous sample
	DiskWrite  uint64    `json:"disk_write"` // bytes since previous sample
	NetRecv    uint64    `json:"net_recv"`   // bytes since previous sample
	NetSent    uint64    `json:"net_sent"`   // bytes since previous sample
}

// RunStatus is the terminal status of a sealed record set.
type RunStatus string

const (
	StatusCompleted          RunStatus = "completed"
	StatusAbortedUnreachable RunStatus = "aborted_unreachable"
	StatusCancelled          RunStatus = "cancelled"
)

// RunRecordSet owns every measurement taken for one (scenario, level) pair.
// It is append-only while open and immutable once sealed. Results are ordered
// by collector-receipt time, which under concurrency is not issue order.
type RunRecordSet struct {
	ScenarioID string           `json:"scenario_id"`
	Level      int              `json:"level"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Status     RunStatus        `json:"status"`
	Results    []RequestResult  `json:"results"`
	Samples    []ResourceSample `json:"samples"`

	// Late holds results that arrived after sealing (past the grace period),
	// re-tagged error(late_result). They never enter Results.
	Late []RequestResult `json:"late,omitempty"`

	sealed bool
}

// Key returns the (scenario, level) identity of the set.
func (rs *RunRecordSet) Key() Key {
	return Key{ScenarioID: rs.ScenarioID, Level: rs.Level}
}

// Sealed reports whether the set has been finalized.
func (rs *RunRecordSet) Sealed() bool { return rs.sealed }

// Seal finalizes the set. Called exactly once by the collector.
func (rs *RunRecordSet) Seal(endedAt time.Time, status RunStatus) {
	rs.EndedAt = endedAt
	rs.Status = status
	rs.sealed = true
}
