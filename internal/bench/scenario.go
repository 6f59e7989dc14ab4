package bench

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// ScenarioKind selects the load shape.
type ScenarioKind string

const (
	KindBaseline       ScenarioKind = "baseline"
	KindSweep          ScenarioKind = "concurrency-sweep"
	KindSoak           ScenarioKind = "soak"
	KindFaultInjection ScenarioKind = "fault-injection"
)

var scenarioKinds = map[ScenarioKind]bool{
	KindBaseline:       true,
	KindSweep:          true,
	KindSoak:           true,
	KindFaultInjection: true,
}

// ScenarioConfig is the immutable description of one test run.
type ScenarioConfig struct {
	ID   string
	Kind ScenarioKind

	// Levels are strictly increasing virtual-user counts; each runs for
	// LevelDuration, sequentially.
	Levels        []int
	LevelDuration time.Duration

	// UserRate is the target request rate per virtual user, in requests
	// per second.
	UserRate float64

	// WarmupRequests are issued sequentially before recording starts and
	// are never recorded.
	WarmupRequests int

	Timeout time.Duration

	// GracePeriod bounds the drain after a level's duration elapses.
	// Zero means 2x Timeout.
	GracePeriod time.Duration

	// Queries supplies the query mix. Restarted by the runner whenever it
	// is exhausted, so each level sees the same mix.
	Queries QueryGenerator

	// FaultProportion is the fraction of requests replaced by malformed or
	// adversarial queries. Only meaningful for fault-injection scenarios.
	FaultProportion float64

	// Unreachable-abort policy: if more than AbortThreshold of the
	// requests in the trailing AbortWindow are connection errors, the
	// level is cut short. Zero values take the defaults (0.5, 30s).
	AbortThreshold float64
	AbortWindow    time.Duration
}

const (
	DefaultAbortThreshold = 0.5
	DefaultAbortWindow    = 30 * time.Second
)

// Grace returns the configured grace period, defaulting to 2x the timeout.
func (c ScenarioConfig) Grace() time.Duration {
	if c.GracePeriod > 0 {
		return c.GracePeriod
	}
	return 2 * c.Timeout
}

// Validate checks the configuration before any load is issued. All problems
// are reported at once.
func (c ScenarioConfig) Validate() error {
	var err error

	if c.ID == "" {
		err = multierr.Append(err, errors.New("scenario id is required"))
	}
	if !scenarioKinds[c.Kind] {
		err = multierr.Append(err, fmt.Errorf("unknown scenario kind %q", c.Kind))
	}
	if len(c.Levels) == 0 {
		err = multierr.Append(err, errors.New("at least one concurrency level is required"))
	}
	prev := 0
	for i, l := range c.Levels {
		if l <= prev {
			err = multierr.Append(err, fmt.Errorf("concurrency levels must be strictly increasing positive integers, got %d at position %d", l, i))
		}
		prev = l
	}
	if c.LevelDuration <= 0 {
		err = multierr.Append(err, errors.New("level duration must be positive"))
	}
	if c.Timeout <= 0 {
		err = multierr.Append(err, errors.New("request timeout must be positive"))
	}
	if c.UserRate <= 0 {
		err = multierr.Append(err, errors.New("per-user request rate must be positive"))
	}
	if c.WarmupRequests < 0 {
		err = multierr.Append(err, errors.New("warm-up request count cannot be negative"))
	}
	if c.Queries == nil {
		err = multierr.Append(err, errors.New("a query generator is required"))
	}
	if c.FaultProportion < 0 || c.FaultProportion > 1 {
		err = multierr.Append(err, fmt.Errorf("fault proportion must be in [0,1], got %v", c.FaultProportion))
	}
	if c.Kind == KindFaultInjection && c.FaultProportion == 0 {
		err = multierr.Append(err, errors.New("fault-injection scenario requires a non-zero fault proportion"))
	}
	if c.AbortThreshold < 0 || c.AbortThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("abort threshold must be in [0,1], got %v", c.AbortThreshold))
	}
	return err
}
