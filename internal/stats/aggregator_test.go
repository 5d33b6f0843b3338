package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(dispatch time.Time, concurrency int, latency time.Duration, out Outcome) *RequestRecord {
	return &RequestRecord{
		ID:                    "r",
		DispatchTime:          dispatch,
		CompletionTime:        dispatch.Add(latency),
		TotalLatency:          latency,
		ConcurrencyAtDispatch: concurrency,
		Outcome:               out,
	}
}

func TestCloseLevelTrimsWarmupAndCooldown(t *testing.T) {
	a := NewAggregator(64, 0)
	base := time.Now()
	a.OpenLevel(4, 100*time.Millisecond, 100*time.Millisecond)

	// Dispatched inside warmup: excluded from percentiles even with an
	// absurd latency, but still a completion.
	a.Submit(record(base.Add(10*time.Millisecond), 4, 5*time.Second, OutcomeSuccess))
	a.Submit(record(base.Add(150*time.Millisecond), 4, 20*time.Millisecond, OutcomeSuccess))
	a.Submit(record(base.Add(500*time.Millisecond), 4, 30*time.Millisecond, OutcomeServerError))
	// Dispatched inside cooldown: excluded.
	a.Submit(record(base.Add(950*time.Millisecond), 4, 5*time.Second, OutcomeSuccess))

	ls := a.CloseLevel(base.Add(time.Second))

	assert.Equal(t, 4, ls.Concurrency)
	assert.Equal(t, 4, ls.Completed)
	assert.Equal(t, 2, ls.SampleCount)
	assert.InDelta(t, 4.0, ls.Throughput, 0.1)
	assert.Equal(t, 0.5, ls.ErrorRate)
	assert.Equal(t, 20.0, ls.P50Ms)
	assert.Equal(t, 30.0, ls.P95Ms)
	assert.Equal(t, 30.0, ls.P99Ms)
	assert.Equal(t, 30.0, ls.P999Ms)
}

func TestSubmitAttributesByConcurrencyAndWindowStart(t *testing.T) {
	a := NewAggregator(64, 0)

	// Dispatched before the window opened.
	early := record(time.Now().Add(-time.Second), 4, 10*time.Millisecond, OutcomeSuccess)

	a.OpenLevel(4, 0, 0)
	a.Submit(early)
	// Straggler from a previous level's concurrency.
	a.Submit(record(time.Now(), 2, 10*time.Millisecond, OutcomeSuccess))
	a.Submit(record(time.Now(), 4, 10*time.Millisecond, OutcomeSuccess))

	ls := a.CloseLevel(time.Now().Add(100 * time.Millisecond))
	assert.Equal(t, 1, ls.Completed, "only the matching dispatch is attributed")

	// Everything still counts toward run totals.
	totals := a.Totals()
	assert.Equal(t, uint64(3), totals.Requests)
	assert.Equal(t, uint64(3), totals.Success)
}

func TestCloseLevelCancelledExcluded(t *testing.T) {
	a := NewAggregator(64, 0)
	base := time.Now()
	a.OpenLevel(1, 0, 0)

	a.Submit(record(base.Add(time.Millisecond), 1, 10*time.Millisecond, OutcomeSuccess))
	a.Submit(record(base.Add(2*time.Millisecond), 1, 10*time.Millisecond, OutcomeCancelled))

	ls := a.CloseLevel(base.Add(time.Second))
	assert.Equal(t, 1, ls.Completed)
	assert.Equal(t, 1, ls.SampleCount)
	assert.Zero(t, ls.ErrorRate)
}

func TestCloseLevelEmptyWindow(t *testing.T) {
	a := NewAggregator(64, 0)
	a.OpenLevel(2, 0, 0)
	ls := a.CloseLevel(time.Now().Add(time.Second))

	assert.Equal(t, 2, ls.Concurrency)
	assert.Zero(t, ls.SampleCount)
	assert.Zero(t, ls.Throughput)
	assert.Zero(t, ls.P99Ms)

	// Closing again without an open window is a no-op.
	assert.Equal(t, LevelStats{}, a.CloseLevel(time.Now()))
}

func TestNearestRank(t *testing.T) {
	vals := make([]float64, 100)
	for i := range vals {
		vals[i] = float64(i + 1)
	}

	assert.Equal(t, 50.0, nearestRank(vals, 0.50))
	assert.Equal(t, 95.0, nearestRank(vals, 0.95))
	assert.Equal(t, 99.0, nearestRank(vals, 0.99))
	assert.Equal(t, 100.0, nearestRank(vals, 0.999))

	assert.Equal(t, 0.0, nearestRank(nil, 0.5))
	assert.Equal(t, 7.0, nearestRank([]float64{7}, 0.99))
}

func TestRollingSnapshot(t *testing.T) {
	a := NewAggregator(8, time.Second)
	a.OpenLevel(1, 0, 0)

	now := time.Now()
	for i := 0; i < 4; i++ {
		a.Submit(record(now, 1, 10*time.Millisecond, OutcomeSuccess))
	}
	a.Submit(record(now, 1, 10*time.Millisecond, OutcomeTimeout))
	// Completed too long ago for the time span.
	a.Submit(record(now.Add(-3*time.Second), 1, 10*time.Millisecond, OutcomeSuccess))
	// Cancelled never counts.
	a.Submit(record(now, 1, 10*time.Millisecond, OutcomeCancelled))

	snap := a.Rolling()
	assert.Equal(t, 5, snap.Samples)
	assert.InDelta(t, 0.2, snap.ErrorRate, 1e-9)
	assert.InDelta(t, 10.0, snap.P50Ms, 0.5)
	assert.InDelta(t, 10.0, snap.P99Ms, 0.5)
}

func TestRollingResetsOnOpenLevel(t *testing.T) {
	a := NewAggregator(8, time.Second)
	a.OpenLevel(1, 0, 0)
	a.Submit(record(time.Now(), 1, 10*time.Millisecond, OutcomeTimeout))
	require.NotZero(t, a.Rolling().Samples)

	a.OpenLevel(2, 0, 0)
	assert.Zero(t, a.Rolling().Samples, "classifier must not see the previous level")
}

func TestRunTotalsAndErrorRate(t *testing.T) {
	var tot RunTotals
	tot.add(OutcomeSuccess)
	tot.add(OutcomeSuccess)
	tot.add(OutcomeTimeout)
	tot.add(OutcomeCancelled)

	s := tot.Snapshot()
	assert.Equal(t, uint64(4), s.Requests)
	assert.Equal(t, uint64(2), s.Success)
	assert.Equal(t, uint64(1), s.Errors)
	assert.Equal(t, uint64(1), s.Cancelled)
	assert.InDelta(t, 0.25, tot.ErrorRate(), 1e-9)
}

func TestRunLatencyHistogram(t *testing.T) {
	a := NewAggregator(8, 0)
	a.OpenLevel(1, 0, 0)
	a.Submit(record(time.Now(), 1, 20*time.Millisecond, OutcomeSuccess))
	a.Submit(record(time.Now(), 1, 40*time.Millisecond, OutcomeSuccess))

	h := a.RunLatency()
	assert.Equal(t, int64(2), h.TotalCount())
	assert.InDelta(t, 40.0, h.QuantileMs(99), 0.5)

	h.Reset()
	assert.Zero(t, h.TotalCount())
}

func TestRecordCompleteFallsBackToWallTime(t *testing.T) {
	r := NewRequestRecord(3)
	assert.Equal(t, 3, r.ConcurrencyAtDispatch)
	assert.NotEmpty(t, r.ID)

	time.Sleep(5 * time.Millisecond)
	r.Complete(OutcomeTimeout, 0, 0)
	assert.GreaterOrEqual(t, r.TotalLatency, 5*time.Millisecond)

	r2 := NewRequestRecord(1)
	r2.Complete(OutcomeSuccess, 2*time.Millisecond, 9*time.Millisecond)
	assert.Equal(t, 9*time.Millisecond, r2.TotalLatency)
	assert.Equal(t, 2*time.Millisecond, r2.TTFT)
}
