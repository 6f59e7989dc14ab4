// Package runner drives a scenario: for each concurrency level it spawns
// that many virtual users against the target adapter, records every outcome
// through the collector, and seals the level's record set when its duration
// (plus a bounded drain) has elapsed. Levels run sequentially so resource
// attribution stays unambiguous.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"qabench/internal/adapter"
	"qabench/internal/bench"
	"qabench/internal/collector"
	"qabench/internal/sampler"
)

const (
	defaultSampleInterval  = 1 * time.Second
	defaultPublishInterval = 200 * time.Millisecond

	// minAbortSamples keeps a couple of early connection errors from
	// aborting a level before the window is meaningful.
	minAbortSamples = 10
)

type Runner struct {
	cfg     bench.ScenarioConfig
	queries bench.QueryGenerator
	client  adapter.Client
	col     *collector.Collector
	smp     *sampler.Sampler
	log     *zap.Logger

	SampleInterval time.Duration
}

// New validates the scenario configuration before any load is issued; a bad
// configuration is the only fatal error at scenario start. Fault-injection
// scenarios get their query generator wrapped with the fault decorator here.
func New(cfg bench.ScenarioConfig, client adapter.Client, col *collector.Collector, smp *sampler.Sampler, log *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	queries := cfg.Queries
	if cfg.Kind == bench.KindFaultInjection {
		queries = bench.NewFaultGenerator(queries, cfg.FaultProportion, time.Now().UnixNano())
	}

	return &Runner{
		cfg:            cfg,
		queries:        queries,
		client:         client,
		col:            col,
		smp:            smp,
		log:            log,
		SampleInterval: defaultSampleInterval,
	}, nil
}

// Run executes every concurrency level in order and returns the sealed
// record sets. A cancelled context stops after the in-progress level; an
// aborted level does not stop the scenario.
func (r *Runner) Run(ctx context.Context) ([]*bench.RunRecordSet, error) {
	pubCtx, stopPublish := context.WithCancel(context.Background())
	defer stopPublish()
	go r.publishLoop(pubCtx)

	var sets []*bench.RunRecordSet
	for _, level := range r.cfg.Levels {
		if ctx.Err() != nil {
			return sets, ctx.Err()
		}
		rs, err := r.runLevel(ctx, level)
		if err != nil {
			return sets, err
		}
		sets = append(sets, rs)
	}
	return sets, nil
}

func (r *Runner) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(defaultPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.col.Publish()
		}
	}
}

// levelClock is written once before the start barrier opens and read-only
// afterwards; the startCh close publishes it to the virtual users.
type levelClock struct {
	start    time.Time
	deadline time.Time
	grace    time.Time
}

func (r *Runner) runLevel(ctx context.Context, level int) (*bench.RunRecordSet, error) {
	key := bench.Key{ScenarioID: r.cfg.ID, Level: level}
	log := r.log.With(zap.String("scenario", r.cfg.ID), zap.Int("level", level))
	sm := bench.NewLevelMachine()

	if err := sm.To(bench.StateWarmingUp); err != nil {
		return nil, err
	}
	r.queries.Reset()
	r.warmup(ctx, log)

	levelCtx, cancelLevel := context.WithCancel(ctx)
	defer cancelLevel()

	abort := newAbortWindow(r.cfg)
	var unreachable atomic.Bool

	clock := &levelClock{}
	startCh := make(chan struct{})
	var ready sync.WaitGroup
	ready.Add(level)

	g := new(errgroup.Group)
	for u := 0; u < level; u++ {
		uid := u
		g.Go(func() error {
			return r.virtualUser(levelCtx, vuParams{
				id:          uid,
				key:         key,
				clock:       clock,
				startCh:     startCh,
				ready:       &ready,
				abort:       abort,
				unreachable: &unreachable,
				cancelLevel: cancelLevel,
				log:         log,
			})
		})
	}

	// Barrier: every user must be ready before the recording window opens.
	ready.Wait()

	start := time.Now()
	clock.start = start
	clock.deadline = start.Add(r.cfg.LevelDuration)
	clock.grace = clock.deadline.Add(r.cfg.Grace())

	if err := r.col.Open(key, start); err != nil {
		cancelLevel()
		g.Wait()
		return nil, err
	}
	if err := sm.To(bench.StateRecording); err != nil {
		return nil, err
	}
	handle := r.smp.Start(ctx, r.SampleInterval)
	close(startCh)

	select {
	case <-time.After(r.cfg.LevelDuration):
	case <-levelCtx.Done():
	}
	aborted := unreachable.Load()
	parentDone := ctx.Err() != nil
	cancelLevel()

	status := bench.StatusCompleted
	switch {
	case aborted:
		if err := sm.To(bench.StateAbortedUnreachable); err != nil {
			return nil, err
		}
		status = bench.StatusAbortedUnreachable
	default:
		if err := sm.To(bench.StateDraining); err != nil {
			return nil, err
		}
		if parentDone {
			status = bench.StatusCancelled
		}
	}

	// Drain, bounded by the grace period. In-flight requests are not
	// killed; anything still out there after the grace deadline lands in
	// the sealed set's overflow bucket.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			log.Warn("virtual user aborted", zap.Error(err))
		}
	case <-time.After(time.Until(clock.grace)):
		log.Warn("grace period expired with requests still in flight")
	}

	r.col.AddSamples(key, handle.Stop())

	rs, err := r.col.Seal(key, time.Now(), status)
	if err != nil {
		return nil, err
	}
	if !aborted {
		if err := sm.To(bench.StateSealed); err != nil {
			return nil, err
		}
	}
	log.Info("level finished",
		zap.String("status", string(status)),
		zap.Int("results", len(rs.Results)),
		zap.Int("late", len(rs.Late)))
	return rs, nil
}

// warmup primes caches and connections with sequential, untracked requests.
// Warm-up outcomes are discarded and never enter a record set.
func (r *Runner) warmup(ctx context.Context, log *zap.Logger) {
	for i := 0; i < r.cfg.WarmupRequests; i++ {
		if ctx.Err() != nil {
			return
		}
		if _, crashed := r.safeInvoke(ctx, r.nextQuery()); crashed {
			log.Warn("adapter crashed during warm-up")
			return
		}
	}
}

type vuParams struct {
	id          int
	key         bench.Key
	clock       *levelClock
	startCh     chan struct{}
	ready       *sync.WaitGroup
	abort       *abortWindow
	unreachable *atomic.Bool
	cancelLevel context.CancelFunc
	log         *zap.Logger
}

// virtualUser is one paced request loop. Cancellation is cooperative: the
// level context is checked between requests, never mid-flight. A panicking
// adapter is fatal to this user only.
func (r *Runner) virtualUser(levelCtx context.Context, p vuParams) error {
	limiter := rate.NewLimiter(rate.Limit(r.cfg.UserRate), 1)

	p.ready.Done()
	select {
	case <-p.startCh:
	case <-levelCtx.Done():
		return nil
	}

	for {
		if levelCtx.Err() != nil || !time.Now().Before(p.clock.deadline) {
			return nil
		}
		if err := limiter.Wait(levelCtx); err != nil {
			return nil
		}

		res, crashed := r.safeInvoke(levelCtx, r.nextQuery())
		res.ScenarioID = p.key.ScenarioID
		res.Level = p.key.Level
		res.UserID = p.id

		if crashed {
			r.col.AddResult(p.key, res)
			p.log.Error("adapter crash, virtual user terminating", zap.Int("user", p.id))
			return fmt.Errorf("virtual user %d: adapter crash", p.id)
		}

		// A completion past the grace deadline was already given up on.
		if time.Now().After(p.clock.grace) {
			res.Outcome = bench.OutcomeError
			res.ErrKind = bench.KindCancelled
		}
		r.col.AddResult(p.key, res)

		conn := res.Outcome == bench.OutcomeError && res.ErrKind == bench.KindConnection
		if p.abort.observe(res.IssuedAt, conn) && !p.unreachable.Swap(true) {
			p.log.Warn("target unreachable, aborting level early")
			p.cancelLevel()
			return nil
		}
	}
}

// safeInvoke shields the run from adapter panics. In-flight work is driven
// by the request's own timeout, not the level context, so level expiry never
// kills a request mid-flight.
func (r *Runner) safeInvoke(ctx context.Context, query string) (res bench.RequestResult, crashed bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("adapter panicked", zap.Any("panic", p))
			res = bench.RequestResult{
				IssuedAt: time.Now(),
				Outcome:  bench.OutcomeError,
				ErrKind:  bench.KindAdapterCrash,
			}
			crashed = true
		}
	}()
	res = r.client.Invoke(context.WithoutCancel(ctx), query, r.cfg.Timeout)
	return res, false
}

func (r *Runner) nextQuery() string {
	q, ok := r.queries.Next()
	if !ok {
		r.queries.Reset()
		q, _ = r.queries.Next()
	}
	return q
}

// abortWindow tracks connection-level failures over a sliding window; when
// more than the configured fraction of recent requests could not reach the
// target, the rest of the level is not worth spending.
type abortWindow struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	events    []abortEvent
}

type abortEvent struct {
	at   time.Time
	conn bool
}

func newAbortWindow(cfg bench.ScenarioConfig) *abortWindow {
	w := &abortWindow{
		window:    bench.DefaultAbortWindow,
		threshold: bench.DefaultAbortThreshold,
	}
	if cfg.AbortWindow > 0 {
		w.window = cfg.AbortWindow
	}
	if cfg.AbortThreshold > 0 {
		w.threshold = cfg.AbortThreshold
	}
	return w
}

// observe records one outcome and reports whether the abort condition holds.
func (w *abortWindow) observe(at time.Time, conn bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.events = append(w.events, abortEvent{at: at, conn: conn})

	cutoff := at.Add(-w.window)
	kept := w.events[:0]
	connCount := 0
	for _, e := range w.events {
		if e.at.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
		if e.conn {
			connCount++
		}
	}
	w.events = kept

	if len(w.events) < minAbortSamples {
		return false
	}
	return float64(connCount)/float64(len(w.events)) > w.threshold
}
