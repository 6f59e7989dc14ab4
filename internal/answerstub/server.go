// Package answerstub is a stand-in answer-serving system with controllable
// latency and failure behavior. It exists for end-to-end tests and demo
// runs; real candidates are reached through the HTTP adapter instead.
package answerstub

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Config shapes the stub's behavior.
type Config struct {
	// BaseLatency plus a uniform [0,Jitter) is slept per request, split
	// across the reported retrieval/generation phases.
	BaseLatency time.Duration
	Jitter      time.Duration

	// ErrorRate is the probability of a 500 response.
	ErrorRate float64

	// SpikeRate is the probability of a 10x latency spike; P99 suffers
	// while P50 stays flat.
	SpikeRate float64

	// MaxQueryBytes rejects oversized queries with 413. Zero means 64KiB.
	MaxQueryBytes int64
}

func (c Config) maxQueryBytes() int64 {
	if c.MaxQueryBytes > 0 {
		return c.MaxQueryBytes
	}
	return 64 << 10
}

type Server struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config) *Server {
	return &Server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Handler returns the stub's HTTP handler; tests mount it on httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	return mux
}

// ListenAndServe runs the stub on addr until the server errors.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	return srv.ListenAndServe()
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	var req queryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.maxQueryBytes()))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Query == "" || !validQuery(req.Query) {
		writeError(w, http.StatusBadRequest, "invalid query")
		return
	}

	if s.roll(s.cfg.ErrorRate) {
		writeError(w, http.StatusInternalServerError, "inference backend failure")
		return
	}

	total := s.cfg.BaseLatency + s.jitter()
	if s.roll(s.cfg.SpikeRate) {
		total *= 10
	}

	// Roughly a third of the budget retrieving, the rest generating,
	// mirroring the candidates this stub stands in for.
	retrieval := total / 3
	generation := total - retrieval
	time.Sleep(total)

	resp := map[string]any{
		"answer":        fmt.Sprintf("stub answer for %q", truncate(req.Query, 80)),
		"retrieval_ms":  float64(retrieval.Microseconds()) / 1000.0,
		"generation_ms": float64(generation.Microseconds()) / 1000.0,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < p
}

func (s *Server) jitter() time.Duration {
	if s.cfg.Jitter <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(s.cfg.Jitter)))
}

func validQuery(q string) bool {
	for _, r := range q {
		if r < 0x09 {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
