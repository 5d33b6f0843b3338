package stress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"llamaburn/internal/stats"
)

// ErrUnreachable marks a target that failed before any success; no
// meaningful curve can be produced, so the run aborts immediately.
var ErrUnreachable = errors.New("target unreachable")

// Snapshot is pushed over Updates for progress display.
type Snapshot struct {
	Requests     uint64
	Errors       uint64
	Inflight     int
	Level        int
	Phase        string
	State        CapacityState
	RollingP50Ms float64
	RollingP99Ms float64
}

type UpdateChan chan Snapshot

type phaseKind string

const (
	phaseBaseline   phaseKind = "baseline"
	phaseEscalation phaseKind = "escalation"
	phaseSteady     phaseKind = "steady"
	phaseBurst      phaseKind = "burst"
	phaseRecovery   phaseKind = "recovery"
)

// phase is the tagged variant every mode compiles down to. One generic
// executor consumes it, so Ramp, Sweep, Sustained and Spike honor the gate
// and aggregator contracts identically.
type phase struct {
	kind        phaseKind
	concurrency int
	duration    time.Duration
	open        bool
	record      bool
	stopOnFail  bool
}

// Driver orchestrates a stress run: it sequences target concurrency over
// time, adjusts virtual clients through the gate, and consults the
// classifier to decide whether to advance, hold or stop.
type Driver struct {
	cfg        Config
	exec       RequestExecutor
	payload    Payload
	agg        *stats.Aggregator
	gate       *Gate
	arrival    *ArrivalScheduler
	classifier *Classifier
	profiler   ResourceProfiler
	log        *zap.Logger

	// Updates carries progress snapshots; sends are non-blocking, slow
	// consumers just miss ticks.
	Updates UpdateChan

	mu           sync.Mutex
	currentLevel int
	currentPhase phaseKind
}

type Option func(*Driver)

// WithProfiler attaches the optional resource feed.
func WithProfiler(p ResourceProfiler) Option {
	return func(d *Driver) { d.profiler = p }
}

// WithSeed pins the arrival scheduler's RNG for reproducible runs.
func WithSeed(seed int64) Option {
	return func(d *Driver) { d.arrival = NewArrivalScheduler(d.cfg.Arrival, seed) }
}

func NewDriver(cfg Config, exec RequestExecutor, payload Payload, log *zap.Logger, opts ...Option) *Driver {
	cfg = cfg.WithDefaults()
	d := &Driver{
		cfg:        cfg,
		exec:       exec,
		payload:    payload,
		agg:        stats.NewAggregator(512, 10*cfg.ClassifierInterval),
		gate:       NewGate(0),
		arrival:    NewArrivalScheduler(cfg.Arrival, 0),
		classifier: NewClassifier(cfg.DegradationFactor, cfg.FailureErrorRate, log),
		log:        log,
		Updates:    make(UpdateChan, 100),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes the configured mode to completion or cancellation. Partial
// LevelStats closed before a stop are always included in the result.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:      uuid.New().String(),
		Mode:       d.cfg.Mode,
		Model:      d.payload.Model,
		StartedAt:  time.Now(),
		FinalState: CapacityState{Kind: StateIdle},
		Config:     d.cfg,
	}

	d.log.Info("stress run starting",
		zap.String("run_id", res.RunID),
		zap.String("mode", string(d.cfg.Mode)),
		zap.String("arrival", string(d.cfg.Arrival)),
		zap.Int("min_concurrency", d.cfg.MinConcurrency),
		zap.Int("max_concurrency", d.cfg.MaxConcurrency))

	if err := d.probe(ctx); err != nil {
		res.FinalState = CapacityState{Kind: StateFailed, Level: d.startLevel()}
		res.Unreachable = true
		d.finalize(res)
		return res, err
	}

	tickCtx, stopTicks := context.WithCancel(context.Background())
	defer stopTicks()
	go d.tickLoop(tickCtx, 200*time.Millisecond)

	switch d.cfg.Mode {
	case ModeRamp:
		d.runRamp(ctx, res)
	case ModeSweep:
		d.runSweep(ctx, res)
	case ModeSustained:
		d.runSustained(ctx, res)
	case ModeSpike:
		d.runSpike(ctx, res)
	}

	switch {
	case ctx.Err() != nil:
		res.FinalState = CapacityState{Kind: StateCancelled}
	default:
		if st := d.classifier.State(); st.Kind != StateIdle {
			res.FinalState = st
		} else {
			res.FinalState = CapacityState{Kind: StateCompleted}
		}
	}
	d.finalize(res)

	d.log.Info("stress run finished",
		zap.String("run_id", res.RunID),
		zap.String("final_state", string(res.FinalState.Kind)),
		zap.Int("levels", len(res.Levels)),
		zap.Uint64("requests", res.TotalRequests))
	return res, nil
}

// probe issues one request before any level runs. A connection-classified
// failure means no meaningful curve can be produced.
func (d *Driver) probe(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	_, err := d.exec.Execute(reqCtx, d.payload)
	if err != nil && classifyError(err) == stats.OutcomeConnectionError {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (d *Driver) startLevel() int {
	if d.cfg.Mode == ModeSpike {
		return d.cfg.BaselineConcurrency
	}
	return d.cfg.MinConcurrency
}

func (d *Driver) finalize(res *Result) {
	res.DurationMs = float64(time.Since(res.StartedAt).Milliseconds())
	res.DegradationPoint = d.classifier.DegradationPoint()
	res.FailurePoint = d.classifier.FailurePoint()
	totals := d.agg.Totals()
	res.TotalRequests = totals.Requests
	res.TotalErrors = totals.Errors
	if h := d.agg.RunLatency(); h.TotalCount() > 0 {
		res.Latency = LatencySummary{
			MeanMs: h.Mean() / 1000.0,
			P50Ms:  h.QuantileMs(50),
			P99Ms:  h.QuantileMs(99),
			MaxMs:  float64(h.Max()) / 1000.0,
		}
	}
	if d.profiler != nil {
		res.Resources = d.profiler.Samples()
	}
}

// runRamp escalates from min to max by step_size, stopping once a failure
// point has been recorded. The point is latched, so a failed level never
// admits the next one even if its errors age out of the rolling window
// before the level closes. The first level's stats double as the
// classifier baseline.
func (d *Driver) runRamp(ctx context.Context, res *Result) {
	first := true
	for c := d.cfg.MinConcurrency; c <= d.cfg.MaxConcurrency && ctx.Err() == nil; c += d.cfg.StepSize {
		if !first && d.cfg.WarmupWindow > 0 {
			// Open-loop escalation into the new level; excluded from stats.
			if _, err := d.runPhase(ctx, phase{
				kind:        phaseEscalation,
				concurrency: c,
				duration:    d.cfg.WarmupWindow,
				open:        true,
			}); err != nil {
				return
			}
		}
		ls, err := d.runPhase(ctx, phase{
			kind:        phaseSteady,
			concurrency: c,
			duration:    d.cfg.LevelDuration,
			record:      true,
		})
		if err != nil {
			return
		}
		res.Levels = append(res.Levels, ls)
		if first {
			d.classifier.SetBaseline(ls)
			first = false
		}
		if d.classifier.FailurePoint() != nil {
			d.log.Warn("ramp stopped at failure point", zap.Int("concurrency", c))
			return
		}
	}
}

// runSweep iterates the fixed level list and records every level's stats
// regardless of classification, producing a full curve unless
// stop_on_failure opts into aborting early.
func (d *Driver) runSweep(ctx context.Context, res *Result) {
	first := true
	for _, c := range d.cfg.sweepLevels() {
		if ctx.Err() != nil {
			return
		}
		ls, err := d.runPhase(ctx, phase{
			kind:        phaseSteady,
			concurrency: c,
			duration:    d.cfg.LevelDuration,
			record:      true,
		})
		if err != nil {
			return
		}
		res.Levels = append(res.Levels, ls)
		if first {
			d.classifier.SetBaseline(ls)
			first = false
		}
		if d.cfg.StopOnFailure && d.classifier.FailurePoint() != nil {
			d.log.Warn("sweep stopped at failure point", zap.Int("concurrency", c))
			return
		}
	}
}

// runSustained holds one level for total_duration. When the config leaves
// room below the sustained level, a baseline window is captured first;
// with min == max the level is judged on error rate alone.
func (d *Driver) runSustained(ctx context.Context, res *Result) {
	level := d.cfg.MaxConcurrency
	if d.cfg.MinConcurrency < level && d.cfg.LevelDuration > 0 {
		ls, err := d.runPhase(ctx, phase{
			kind:        phaseBaseline,
			concurrency: d.cfg.MinConcurrency,
			duration:    d.cfg.LevelDuration,
			record:      true,
		})
		if err != nil {
			return
		}
		res.Levels = append(res.Levels, ls)
		d.classifier.SetBaseline(ls)
	}

	ls, err := d.runPhase(ctx, phase{
		kind:        phaseSteady,
		concurrency: level,
		duration:    d.cfg.TotalDuration,
		record:      true,
		stopOnFail:  d.cfg.StopOnFailure,
	})
	if err != nil {
		return
	}
	res.Levels = append(res.Levels, ls)
}

// runSpike settles at the baseline, bursts open-loop, then returns to the
// baseline while polling for latency recovery.
func (d *Driver) runSpike(ctx context.Context, res *Result) {
	ls, err := d.runPhase(ctx, phase{
		kind:        phaseBaseline,
		concurrency: d.cfg.BaselineConcurrency,
		duration:    d.cfg.LevelDuration,
		record:      true,
	})
	if err != nil {
		return
	}
	res.Levels = append(res.Levels, ls)
	d.classifier.SetBaseline(ls)

	burst, err := d.runPhase(ctx, phase{
		kind:        phaseBurst,
		concurrency: d.cfg.SpikeConcurrency,
		duration:    d.cfg.SpikeDuration,
		open:        true,
		record:      true,
	})
	if err != nil {
		return
	}
	res.Levels = append(res.Levels, burst)

	d.awaitRecovery(ctx, res)
}

// awaitRecovery runs baseline load after the burst and measures how long
// rolling p99 takes to return near the baseline.
func (d *Driver) awaitRecovery(ctx context.Context, res *Result) {
	d.setPhase(phaseRecovery, d.cfg.BaselineConcurrency)
	d.gate.SetTarget(d.cfg.BaselineConcurrency)
	d.agg.OpenLevel(d.cfg.BaselineConcurrency, 0, 0)

	phaseCtx, cancel := context.WithCancel(ctx)
	var clients sync.WaitGroup
	for i := 0; i < d.cfg.BaselineConcurrency; i++ {
		c := d.newClient()
		clients.Add(1)
		go func() {
			defer clients.Done()
			c.runClosed(phaseCtx, d.cfg.BaselineConcurrency)
		}()
	}

	elapsed, recovered := d.classifier.AwaitRecovery(ctx, d.agg.Rolling,
		d.cfg.RecoveryInterval, d.cfg.RecoveryMaxWait)
	cancel()
	clients.Wait()
	d.agg.CloseLevel(time.Now())

	switch {
	case recovered:
		ms := float64(elapsed.Microseconds()) / 1000.0
		res.RecoveryTimeMs = &ms
		d.log.Info("recovered after burst", zap.Duration("recovery_time", elapsed))
	case ctx.Err() == nil:
		res.RecoveryTimedOut = true
		d.log.Warn("recovery wait exceeded", zap.Duration("max_wait", d.cfg.RecoveryMaxWait))
	}
}

// runPhase is the generic executor every mode goes through: set the gate
// target, open a level window, run clients for the phase duration, drain
// in-flight work, then close the window.
func (d *Driver) runPhase(ctx context.Context, ph phase) (stats.LevelStats, error) {
	d.setPhase(ph.kind, ph.concurrency)
	d.log.Info("phase starting",
		zap.String("phase", string(ph.kind)),
		zap.Int("concurrency", ph.concurrency),
		zap.Duration("duration", ph.duration),
		zap.Bool("open_loop", ph.open))

	d.gate.SetTarget(ph.concurrency)
	warmup, cooldown := d.cfg.WarmupWindow, d.cfg.CooldownWindow
	if !ph.record {
		warmup, cooldown = 0, 0
	}
	d.agg.OpenLevel(ph.concurrency, warmup, cooldown)

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var clients, inflight sync.WaitGroup
	for i := 0; i < ph.concurrency; i++ {
		c := d.newClient()
		clients.Add(1)
		go func() {
			defer clients.Done()
			if ph.open {
				c.runOpen(phaseCtx, ph.concurrency, d.cfg.ArrivalRate, &inflight)
			} else {
				c.runClosed(phaseCtx, ph.concurrency)
			}
		}()
	}

	var ticks sync.WaitGroup
	ticks.Add(1)
	go func() {
		defer ticks.Done()
		t := time.NewTicker(d.cfg.ClassifierInterval)
		defer t.Stop()
		for {
			select {
			case <-phaseCtx.Done():
				return
			case <-t.C:
				d.classifier.Observe(ph.concurrency, d.agg.Rolling())
				if ph.stopOnFail && d.classifier.FailurePoint() != nil {
					cancel()
					return
				}
			}
		}
	}()

	sleepCtx(phaseCtx, ph.duration)
	cancel()
	clients.Wait()
	inflight.Wait()
	ticks.Wait()

	// Final observation so short phases are classified even if no tick
	// landed inside them.
	d.classifier.Observe(ph.concurrency, d.agg.Rolling())

	ls := d.agg.CloseLevel(time.Now())
	if ph.record {
		d.log.Info("level closed",
			zap.Int("concurrency", ls.Concurrency),
			zap.Int("samples", ls.SampleCount),
			zap.Float64("rps", ls.Throughput),
			zap.Float64("p99_ms", ls.P99Ms),
			zap.Float64("error_rate", ls.ErrorRate))
	}
	return ls, ctx.Err()
}

func (d *Driver) newClient() *virtualClient {
	return &virtualClient{
		gate:    d.gate,
		exec:    d.exec,
		agg:     d.agg,
		arrival: d.arrival,
		payload: d.payload,
		timeout: d.cfg.RequestTimeout,
		think:   d.cfg.ThinkTime,
		log:     d.log,
	}
}

func (d *Driver) setPhase(kind phaseKind, level int) {
	d.mu.Lock()
	d.currentPhase = kind
	d.currentLevel = level
	d.mu.Unlock()
}

func (d *Driver) tickLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			select {
			case d.Updates <- d.snapshot():
			default:
				// Drop the update if nobody is keeping up.
			}
		}
	}
}

func (d *Driver) snapshot() Snapshot {
	totals := d.agg.Totals()
	rolling := d.agg.Rolling()
	d.mu.Lock()
	level, ph := d.currentLevel, d.currentPhase
	d.mu.Unlock()
	return Snapshot{
		Requests:     totals.Requests,
		Errors:       totals.Errors,
		Inflight:     d.gate.Outstanding(),
		Level:        level,
		Phase:        string(ph),
		State:        d.classifier.State(),
		RollingP50Ms: rolling.P50Ms,
		RollingP99Ms: rolling.P99Ms,
	}
}
