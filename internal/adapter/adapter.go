// Package adapter defines the uniform client contract for a system under
// test. One adapter instance serves one candidate; implementations must be
// safe to invoke concurrently from many virtual users.
package adapter

import (
	"context"
	"time"

	"qabench/internal/bench"
)

// Client issues one logical query against a candidate system. Ordinary
// failure modes (timeout, connection refused, malformed response) are encoded
// in the returned result, never raised: the result's Outcome is always set.
// Only programming-contract violations may panic, which the runner treats as
// an adapter crash fatal to the calling virtual user.
type Client interface {
	Invoke(ctx context.Context, query string, timeout time.Duration) bench.RequestResult
}
