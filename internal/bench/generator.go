package bench

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
)

// QueryGenerator produces a lazy, possibly infinite sequence of query
// strings. Implementations must be safe for concurrent use: every virtual
// user of a level draws from the same generator. Reset restarts the sequence
// so repeated levels see the same mix.
type QueryGenerator interface {
	Next() (string, bool)
	Reset()
}

// ListGenerator walks a fixed set of queries in order, once per Reset.
type ListGenerator struct {
	mu      sync.Mutex
	queries []string
	pos     int
}

func NewListGenerator(queries ...string) *ListGenerator {
	return &ListGenerator{queries: queries}
}

func (g *ListGenerator) Next() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queries) == 0 || g.pos >= len(g.queries) {
		return "", false
	}
	q := g.queries[g.pos]
	g.pos++
	return q, true
}

func (g *ListGenerator) Reset() {
	g.mu.Lock()
	g.pos = 0
	g.mu.Unlock()
}

// FileGenerator reads one query per non-empty line. The file is loaded once;
// Reset rewinds to the first line.
type FileGenerator struct {
	list *ListGenerator
}

func NewFileGenerator(path string) (*FileGenerator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read query file %q: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("query file %q contains no queries", path)
	}
	return &FileGenerator{list: NewListGenerator(lines...)}, nil
}

func (g *FileGenerator) Next() (string, bool) { return g.list.Next() }
func (g *FileGenerator) Reset()               { g.list.Reset() }

// FaultGenerator wraps another generator and replaces a configured proportion
// of queries with malformed or adversarial inputs. The target is expected to
// reject these with invalid_input_rejected rather than crash.
type FaultGenerator struct {
	mu         sync.Mutex
	inner      QueryGenerator
	proportion float64
	rng        *rand.Rand
}

// NewFaultGenerator seeds its own RNG so fault placement is reproducible for
// a given seed.
func NewFaultGenerator(inner QueryGenerator, proportion float64, seed int64) *FaultGenerator {
	return &FaultGenerator{
		inner:      inner,
		proportion: proportion,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (g *FaultGenerator) Next() (string, bool) {
	g.mu.Lock()
	inject := g.rng.Float64() < g.proportion
	var fault string
	if inject {
		fault = faultQueries[g.rng.Intn(len(faultQueries))]
	}
	g.mu.Unlock()

	if inject {
		return fault, true
	}
	return g.inner.Next()
}

func (g *FaultGenerator) Reset() { g.inner.Reset() }

var faultQueries = []string{
	"",
	strings.Repeat("a", 1<<20), // oversized
	"\x00\x01\x02\xff",
	`{"query": "unterminated`,
	strings.Repeat("why? ", 50000),
}
