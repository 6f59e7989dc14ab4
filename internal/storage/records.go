package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"qabench/internal/bench"
)

// SchemaVersion tags every persisted record so offline re-aggregation can
// reject artifacts it does not understand.
const SchemaVersion = 1

const (
	recordMeta    = "meta"
	recordRequest = "request"
	recordLate    = "late"
	recordSample  = "sample"
)

// ErrSchemaVersion is wrapped into errors for records written by an
// incompatible version.
var ErrSchemaVersion = errors.New("unsupported record schema version")

// Record is one line of the flat artifact format: exactly one of Meta,
// Request or Sample is set, tagged with the owning scenario and level.
type Record struct {
	Schema     int    `json:"schema"`
	Kind       string `json:"kind"`
	ScenarioID string `json:"scenario_id"`
	Level      int    `json:"level"`

	Meta    *RunMeta              `json:"meta,omitempty"`
	Request *bench.RequestResult  `json:"request,omitempty"`
	Sample  *bench.ResourceSample `json:"sample,omitempty"`
}

// RunMeta carries the record set's window and terminal status.
type RunMeta struct {
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Status    bench.RunStatus `json:"status"`
}

// WriteRecords streams a sealed record set as JSON lines: the meta record
// first, then every request, late arrival and resource sample in order.
func WriteRecords(w io.Writer, rs *bench.RunRecordSet) error {
	enc := json.NewEncoder(w)
	base := Record{
		Schema:     SchemaVersion,
		ScenarioID: rs.ScenarioID,
		Level:      rs.Level,
	}

	meta := base
	meta.Kind = recordMeta
	meta.Meta = &RunMeta{StartedAt: rs.StartedAt, EndedAt: rs.EndedAt, Status: rs.Status}
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("failed to write meta record: %w", err)
	}

	for i := range rs.Results {
		rec := base
		rec.Kind = recordRequest
		rec.Request = &rs.Results[i]
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to write request record: %w", err)
		}
	}
	for i := range rs.Late {
		rec := base
		rec.Kind = recordLate
		rec.Request = &rs.Late[i]
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to write late record: %w", err)
		}
	}
	for i := range rs.Samples {
		rec := base
		rec.Kind = recordSample
		rec.Sample = &rs.Samples[i]
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to write sample record: %w", err)
		}
	}
	return nil
}

// ReadRecordSet reconstructs a sealed record set from its JSONL artifact, so
// aggregation can re-run without re-executing load.
func ReadRecordSet(r io.Reader) (*bench.RunRecordSet, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var rs *bench.RunRecordSet
	var meta *RunMeta
	line := 0

	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("bad record at line %d: %w", line, err)
		}
		if rec.Schema != SchemaVersion {
			return nil, fmt.Errorf("record at line %d has schema %d: %w", line, rec.Schema, ErrSchemaVersion)
		}

		if rs == nil {
			rs = &bench.RunRecordSet{ScenarioID: rec.ScenarioID, Level: rec.Level}
		} else if rs.ScenarioID != rec.ScenarioID || rs.Level != rec.Level {
			return nil, fmt.Errorf("record at line %d belongs to %s/%d, artifact is %s/%d",
				line, rec.ScenarioID, rec.Level, rs.ScenarioID, rs.Level)
		}

		switch rec.Kind {
		case recordMeta:
			if rec.Meta == nil {
				return nil, fmt.Errorf("meta record at line %d has no payload", line)
			}
			meta = rec.Meta
			rs.StartedAt = rec.Meta.StartedAt
		case recordRequest:
			if rec.Request == nil {
				return nil, fmt.Errorf("request record at line %d has no payload", line)
			}
			rs.Results = append(rs.Results, *rec.Request)
		case recordLate:
			if rec.Request == nil {
				return nil, fmt.Errorf("late record at line %d has no payload", line)
			}
			rs.Late = append(rs.Late, *rec.Request)
		case recordSample:
			if rec.Sample == nil {
				return nil, fmt.Errorf("sample record at line %d has no payload", line)
			}
			rs.Samples = append(rs.Samples, *rec.Sample)
		default:
			return nil, fmt.Errorf("unknown record kind %q at line %d", rec.Kind, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	if rs == nil {
		return nil, errors.New("artifact contains no records")
	}
	if meta == nil {
		return nil, errors.New("artifact is missing its meta record")
	}

	rs.Seal(meta.EndedAt, meta.Status)
	return rs, nil
}
