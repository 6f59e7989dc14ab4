package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabench/internal/answerstub"
	"qabench/internal/bench"
)

func stubServer(t *testing.T, cfg answerstub.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(answerstub.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestInvokeSuccessWithBreakdown(t *testing.T) {
	srv := stubServer(t, answerstub.Config{BaseLatency: 20 * time.Millisecond})
	c := NewHTTPClient(srv.URL+"/query", nil)

	res := c.Invoke(context.Background(), "why is the sky blue?", 2*time.Second)

	assert.Equal(t, bench.OutcomeSuccess, res.Outcome)
	assert.GreaterOrEqual(t, res.Latency, 20*time.Millisecond)
	assert.Greater(t, res.Bytes, int64(0))
	require.NotNil(t, res.Breakdown.Retrieval)
	require.NotNil(t, res.Breakdown.Generation)
	assert.LessOrEqual(t, *res.Breakdown.Retrieval, res.Latency)
}

func TestInvokeTimeout(t *testing.T) {
	srv := stubServer(t, answerstub.Config{BaseLatency: 300 * time.Millisecond})
	c := NewHTTPClient(srv.URL+"/query", nil)

	res := c.Invoke(context.Background(), "slow question", 30*time.Millisecond)

	assert.Equal(t, bench.OutcomeTimeout, res.Outcome)
}

func TestInvokeConnectionRefused(t *testing.T) {
	srv := stubServer(t, answerstub.Config{})
	url := srv.URL + "/query"
	srv.Close()

	c := NewHTTPClient(url, nil)
	res := c.Invoke(context.Background(), "anyone there?", time.Second)

	assert.Equal(t, bench.OutcomeError, res.Outcome)
	assert.Equal(t, bench.KindConnection, res.ErrKind)
}

func TestInvokeInvalidInputRejected(t *testing.T) {
	srv := stubServer(t, answerstub.Config{})
	c := NewHTTPClient(srv.URL+"/query", nil)

	res := c.Invoke(context.Background(), "", 2*time.Second)

	assert.Equal(t, bench.OutcomeError, res.Outcome)
	assert.Equal(t, bench.KindInvalidInput, res.ErrKind)
}

func TestInvokeServerError(t *testing.T) {
	srv := stubServer(t, answerstub.Config{ErrorRate: 1.0})
	c := NewHTTPClient(srv.URL+"/query", nil)

	res := c.Invoke(context.Background(), "doomed", 2*time.Second)

	assert.Equal(t, bench.OutcomeError, res.Outcome)
	assert.Equal(t, bench.KindHTTP, res.ErrKind)
}

func TestInvokeToleratesNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("plain text answer"))
	}))
	t.Cleanup(srv.Close)

	c := NewHTTPClient(srv.URL, nil)
	res := c.Invoke(context.Background(), "q", time.Second)

	assert.Equal(t, bench.OutcomeSuccess, res.Outcome)
	assert.Nil(t, res.Breakdown.Retrieval)
}

func TestInvokeNeverReturnsUnsetOutcome(t *testing.T) {
	srv := stubServer(t, answerstub.Config{})
	c := NewHTTPClient(srv.URL+"/query", nil)

	for _, q := range []string{"fine", "", "another"} {
		res := c.Invoke(context.Background(), q, time.Second)
		assert.NotEmpty(t, res.Outcome)
	}
}
