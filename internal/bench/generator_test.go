package bench

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListGeneratorExhaustsAndResets(t *testing.T) {
	g := NewListGenerator("a", "b")

	q, ok := g.Next()
	require.True(t, ok)
	assert.Equal(t, "a", q)
	q, ok = g.Next()
	require.True(t, ok)
	assert.Equal(t, "b", q)

	_, ok = g.Next()
	assert.False(t, ok)

	g.Reset()
	q, ok = g.Next()
	require.True(t, ok)
	assert.Equal(t, "a", q, "reset restarts the same mix")
}

func TestEmptyListGenerator(t *testing.T) {
	g := NewListGenerator()
	_, ok := g.Next()
	assert.False(t, ok)
}

func TestFileGenerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\n\n  second  \n"), 0644))

	g, err := NewFileGenerator(path)
	require.NoError(t, err)

	q, ok := g.Next()
	require.True(t, ok)
	assert.Equal(t, "first", q)
	q, ok = g.Next()
	require.True(t, ok)
	assert.Equal(t, "second", q)
	_, ok = g.Next()
	assert.False(t, ok)
}

func TestFileGeneratorErrors(t *testing.T) {
	_, err := NewFileGenerator(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("\n\n"), 0644))
	_, err = NewFileGenerator(empty)
	assert.Error(t, err)
}

func TestFaultGeneratorProportion(t *testing.T) {
	inner := NewListGenerator("ok")
	g := NewFaultGenerator(cyclical(inner), 0.5, 42)

	faults := 0
	const draws = 2000
	for i := 0; i < draws; i++ {
		q, ok := g.Next()
		require.True(t, ok)
		if q != "ok" {
			faults++
		}
	}
	assert.InDelta(t, draws/2, faults, draws/10)
}

func TestFaultGeneratorZeroProportionPassesThrough(t *testing.T) {
	g := NewFaultGenerator(NewListGenerator("q1"), 0, 1)
	q, ok := g.Next()
	require.True(t, ok)
	assert.Equal(t, "q1", q)
}

// cyclical wraps a generator so it never exhausts, which keeps the fault
// proportion test focused on injection rather than restart behavior.
type cycler struct{ inner QueryGenerator }

func cyclical(inner QueryGenerator) QueryGenerator { return &cycler{inner: inner} }

func (c *cycler) Next() (string, bool) {
	q, ok := c.inner.Next()
	if !ok {
		c.inner.Reset()
		return c.inner.Next()
	}
	return q, true
}

func (c *cycler) Reset() { c.inner.Reset() }
