package stats

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LevelStats is the finalized view of one concurrency level, computed once
// when its window closes and immutable afterward.
type LevelStats struct {
	Concurrency int     `json:"concurrency"`
	SampleCount int     `json:"sample_count"`
	Completed   int     `json:"completed"`
	Throughput  float64 `json:"requests_per_sec"`
	P50Ms       float64 `json:"p50_latency_ms"`
	P95Ms       float64 `json:"p95_latency_ms"`
	P99Ms       float64 `json:"p99_latency_ms"`
	P999Ms      float64 `json:"p999_latency_ms"`
	ErrorRate   float64 `json:"error_rate"`
	DurationMs  float64 `json:"duration_ms"`
}

type sample struct {
	dispatch time.Time
	latency  time.Duration
	outcome  Outcome
}

// levelWindow buffers raw samples for the currently open level. Samples are
// discarded when the window closes; only LevelStats survives.
type levelWindow struct {
	concurrency int
	start       time.Time
	warmup      time.Duration
	cooldown    time.Duration
	samples     []sample
}

// Aggregator is the single collector for completed requests. Submit is safe
// for concurrent callers; all level state mutates under one mutex with a
// critical section limited to submit and window close, so no other
// component ever touches level statistics directly.
type Aggregator struct {
	mu      sync.Mutex
	window  *levelWindow
	rolling *rollingWindow

	run    *SafeHistogram
	totals RunTotals
}

func NewAggregator(rollingSize int, rollingSpan time.Duration) *Aggregator {
	return &Aggregator{
		rolling: newRollingWindow(rollingSize, rollingSpan),
		run:     NewSafeHistogram(),
	}
}

// OpenLevel starts a new window for the given concurrency target and resets
// the rolling estimate so classifier decisions only see the current level.
func (a *Aggregator) OpenLevel(concurrency int, warmup, cooldown time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window = &levelWindow{
		concurrency: concurrency,
		start:       time.Now(),
		warmup:      warmup,
		cooldown:    cooldown,
	}
	a.rolling.reset()
}

// Submit ingests a completed record. A record is attributed to the open
// window only if it was dispatched inside it at the window's concurrency;
// late stragglers from a previous level still count toward run totals and
// the rolling estimate but never toward another level's stats.
func (a *Aggregator) Submit(rec *RequestRecord) {
	a.totals.add(rec.Outcome)
	if rec.Outcome != OutcomeCancelled && rec.TotalLatency > 0 {
		_ = a.run.RecordValue(rec.TotalLatency.Microseconds())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolling.add(rec)

	w := a.window
	if w == nil || rec.ConcurrencyAtDispatch != w.concurrency || rec.DispatchTime.Before(w.start) {
		return
	}
	w.samples = append(w.samples, sample{
		dispatch: rec.DispatchTime,
		latency:  rec.TotalLatency,
		outcome:  rec.Outcome,
	})
}

// CloseLevel finalizes the open window at the given end instant. Percentiles
// and error rate are computed by nearest rank over samples dispatched within
// [start+warmup, end-cooldown]; everything completed in the window counts
// toward throughput.
func (a *Aggregator) CloseLevel(end time.Time) LevelStats {
	a.mu.Lock()
	w := a.window
	a.window = nil
	a.mu.Unlock()

	if w == nil {
		return LevelStats{}
	}

	duration := end.Sub(w.start)
	ls := LevelStats{
		Concurrency: w.concurrency,
		DurationMs:  float64(duration.Milliseconds()),
	}

	lo := w.start.Add(w.warmup)
	hi := end.Add(-w.cooldown)

	var latenciesMs []float64
	trimmed, errs := 0, 0
	for _, s := range w.samples {
		if s.outcome == OutcomeCancelled {
			continue
		}
		ls.Completed++
		if s.dispatch.Before(lo) || s.dispatch.After(hi) {
			continue
		}
		trimmed++
		if s.outcome.IsError() {
			errs++
		}
		latenciesMs = append(latenciesMs, float64(s.latency.Microseconds())/1000.0)
	}

	ls.SampleCount = trimmed
	if duration > 0 {
		ls.Throughput = float64(ls.Completed) / duration.Seconds()
	}
	if trimmed > 0 {
		ls.ErrorRate = float64(errs) / float64(trimmed)
	}

	sort.Float64s(latenciesMs)
	ls.P50Ms = nearestRank(latenciesMs, 0.50)
	ls.P95Ms = nearestRank(latenciesMs, 0.95)
	ls.P99Ms = nearestRank(latenciesMs, 0.99)
	ls.P999Ms = nearestRank(latenciesMs, 0.999)
	return ls
}

// Rolling returns the sliding estimate over recent completions.
func (a *Aggregator) Rolling() RollingSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rolling.snapshot(time.Now())
}

// Totals returns run-wide counters.
func (a *Aggregator) Totals() RunTotals {
	return a.totals.Snapshot()
}

// RunLatency exposes the cumulative whole-run latency histogram.
func (a *Aggregator) RunLatency() *SafeHistogram {
	return a.run
}

// nearestRank picks the value at quantile q from an already sorted slice.
func nearestRank(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
