package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabench/internal/bench"
	"qabench/internal/stats"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "qabench.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRecordSetRoundTrip(t *testing.T) {
	s := tempStore(t)
	rs := testSet(t)

	require.NoError(t, s.SaveRecordSet("local", rs))

	loaded, err := s.LoadRecordSet("local", rs.Key())
	require.NoError(t, err)
	assert.Equal(t, rs.Results, loaded.Results)
	assert.Equal(t, rs.Status, loaded.Status)

	_, err = s.LoadRecordSet("bedrock", rs.Key())
	assert.Error(t, err, "unknown candidate")
}

func TestStoreSummaries(t *testing.T) {
	s := tempStore(t)

	m1 := stats.Aggregate(testSet(t))
	rs2 := testSet(t)
	rs2.Level = 20
	for i := range rs2.Results {
		rs2.Results[i].Level = 20
	}
	m2 := stats.Aggregate(rs2)

	require.NoError(t, s.SaveSummary("local", m1))
	require.NoError(t, s.SaveSummary("local", m2))
	require.NoError(t, s.SaveSummary("bedrock", m1))

	got, err := s.Summaries("local")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, m1, got[bench.Key{ScenarioID: "rag-sweep", Level: 5}])
	assert.Equal(t, m2, got[bench.Key{ScenarioID: "rag-sweep", Level: 20}])

	other, err := s.Summaries("bedrock")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	none, err := s.Summaries("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}
