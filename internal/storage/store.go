package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"qabench/internal/bench"
	"qabench/internal/stats"
)

const (
	bucketArtifacts = "artifacts"
	bucketSummaries = "summaries"
)

// Store persists run artifacts and their summaries in a single bbolt file,
// keyed by candidate name and (scenario, level).
type Store struct {
	db *bbolt.DB
}

// NewStore opens (or creates) the store at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range []string{bucketArtifacts, bucketSummaries} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func artifactKey(candidate string, key bench.Key) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", candidate, key.ScenarioID, key.Level))
}

// SaveRecordSet writes a sealed record set under the candidate name, in the
// flat JSONL record format.
func (s *Store) SaveRecordSet(candidate string, rs *bench.RunRecordSet) error {
	var buf bytes.Buffer
	if err := WriteRecords(&buf, rs); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketArtifacts)).Put(artifactKey(candidate, rs.Key()), buf.Bytes())
	})
}

// LoadRecordSet reads an artifact back for offline re-aggregation.
func (s *Store) LoadRecordSet(candidate string, key bench.Key) (*bench.RunRecordSet, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketArtifacts)).Get(artifactKey(candidate, key))
		if v == nil {
			return fmt.Errorf("no artifact for %s %v", candidate, key)
		}
		raw = append(raw, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ReadRecordSet(bytes.NewReader(raw))
}

// SaveSummary stores the aggregated metrics for a candidate's level.
func (s *Store) SaveSummary(candidate string, m stats.AggregatedMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSummaries)).Put(artifactKey(candidate, m.Key()), data)
	})
}

// Summaries returns every stored summary for a candidate, keyed by
// (scenario, level).
func (s *Store) Summaries(candidate string) (map[bench.Key]stats.AggregatedMetrics, error) {
	out := map[bench.Key]stats.AggregatedMetrics{}
	prefix := []byte(candidate + "/")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketSummaries)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m stats.AggregatedMetrics
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("corrupt summary at %q: %w", k, err)
			}
			out[m.Key()] = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
