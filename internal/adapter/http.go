package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"qabench/internal/bench"
)

// answerResponse is the wire shape of an answer-serving endpoint. Phase
// timings are optional; a target that reports none still yields a usable
// result with only the total latency.
type answerResponse struct {
	Answer       string  `json:"answer"`
	RetrievalMs  float64 `json:"retrieval_ms"`
	ContextMs    float64 `json:"context_ms"`
	GenerationMs float64 `json:"generation_ms"`
}

// HTTPClient drives a candidate over its HTTP query endpoint.
type HTTPClient struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

// NewHTTPClient builds a client against the given query URL. The transport
// is tuned for high connection churn so the adapter itself never becomes the
// bottleneck at large concurrency levels.
func NewHTTPClient(url string, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 2000
	t.MaxConnsPerHost = 2000
	t.MaxIdleConnsPerHost = 2000
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &HTTPClient{
		url:    url,
		client: &http.Client{Transport: t},
		log:    log,
	}
}

// Invoke posts the query and classifies the outcome. The per-request timeout
// is layered onto ctx so a caller-side cancellation and the request deadline
// are both honored.
func (c *HTTPClient) Invoke(ctx context.Context, query string, timeout time.Duration) bench.RequestResult {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"query": query})
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		// Misconfiguration (bad URL): a contract violation, not a
		// measurable failure mode.
		panic("adapter misconfigured: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	issued := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(issued)

	res := bench.RequestResult{
		IssuedAt: issued,
		Latency:  latency,
	}

	if err != nil {
		res.Outcome, res.ErrKind = classifyTransportError(err)
		return res
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	res.Bytes = int64(len(payload))
	if readErr != nil {
		res.Outcome, res.ErrKind = classifyTransportError(readErr)
		return res
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Outcome = bench.OutcomeError
		res.ErrKind = classifyStatus(resp.StatusCode)
		return res
	}

	res.Outcome = bench.OutcomeSuccess
	res.Breakdown = c.parseBreakdown(payload, latency)
	return res
}

// parseBreakdown extracts server-reported phase timings. A body that is not
// the expected JSON is tolerated: the call already succeeded, we just lose
// the breakdown. Network time is inferred as total minus the server-reported
// phases; components exceeding the total are logged and kept (soft
// invariant, independent clocks).
func (c *HTTPClient) parseBreakdown(payload []byte, total time.Duration) bench.Breakdown {
	var ar answerResponse
	if err := json.Unmarshal(payload, &ar); err != nil {
		return bench.Breakdown{}
	}

	var b bench.Breakdown
	reported := time.Duration(0)
	set := func(ms float64) *time.Duration {
		if ms <= 0 {
			return nil
		}
		d := time.Duration(ms * float64(time.Millisecond))
		reported += d
		if d > total {
			c.log.Warn("breakdown component exceeds total latency",
				zap.Duration("component", d),
				zap.Duration("total", total))
		}
		return &d
	}
	b.Retrieval = set(ar.RetrievalMs)
	b.Context = set(ar.ContextMs)
	b.Generation = set(ar.GenerationMs)

	if reported > 0 && reported < total {
		nw := total - reported
		b.Network = &nw
	}
	return b
}

func classifyTransportError(err error) (bench.Outcome, bench.ErrorKind) {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return bench.OutcomeTimeout, ""
	case errors.As(err, &nerr) && nerr.Timeout():
		return bench.OutcomeTimeout, ""
	case errors.Is(err, context.Canceled):
		return bench.OutcomeError, bench.KindCancelled
	default:
		// Connection refused, reset, DNS failure: the target is
		// unreachable as far as the abort window is concerned.
		return bench.OutcomeError, bench.KindConnection
	}
}

func classifyStatus(code int) bench.ErrorKind {
	switch {
	case code == http.StatusBadRequest ||
		code == http.StatusRequestEntityTooLarge ||
		code == http.StatusUnprocessableEntity:
		return bench.KindInvalidInput
	default:
		return bench.KindHTTP
	}
}
