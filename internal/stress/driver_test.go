package stress

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"llamaburn/internal/stats"
)

// mockExecutor simulates an inference server whose service time and error
// behavior depend on how many requests it is serving at once.
type mockExecutor struct {
	inflight int64
	latency  func(inflight int64) time.Duration
	failWhen func(inflight int64) bool
}

func (m *mockExecutor) Execute(ctx context.Context, _ Payload) (ExecResult, error) {
	n := atomic.AddInt64(&m.inflight, 1)
	defer atomic.AddInt64(&m.inflight, -1)

	d := m.latency(n)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ExecResult{}, &ExecError{Kind: stats.OutcomeTimeout, Err: ctx.Err()}
	}

	if m.failWhen != nil && m.failWhen(n) {
		return ExecResult{}, &ExecError{Kind: stats.OutcomeServerError, Err: errors.New("overloaded")}
	}
	return ExecResult{TTFT: d / 4, TotalLatency: d}, nil
}

func fixedLatency(d time.Duration) *mockExecutor {
	return &mockExecutor{latency: func(int64) time.Duration { return d }}
}

func newTestDriver(cfg Config, exec RequestExecutor) *Driver {
	return NewDriver(cfg, exec, Payload{Model: "mock", Prompt: "hi"}, zap.NewNop(), WithSeed(1))
}

// Sweep over fixed levels with a constant-latency server: throughput
// scales with concurrency and p50 sits at the service time everywhere.
func TestSweepFixedLatencyCurve(t *testing.T) {
	cfg := Config{
		Mode:               ModeSweep,
		MinConcurrency:     1,
		MaxConcurrency:     4,
		Levels:             []int{1, 2, 4},
		LevelDuration:      600 * time.Millisecond,
		WarmupWindow:       100 * time.Millisecond,
		CooldownWindow:     50 * time.Millisecond,
		RequestTimeout:     2 * time.Second,
		ClassifierInterval: 25 * time.Millisecond,
	}

	res, err := newTestDriver(cfg, fixedLatency(50*time.Millisecond)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Levels, 3)

	for _, ls := range res.Levels {
		assert.InDelta(t, 50.0, ls.P50Ms, 1.0, "p50 at level %d", ls.Concurrency)
		assert.Zero(t, ls.ErrorRate)
		assert.LessOrEqual(t, ls.P50Ms, ls.P95Ms)
		assert.LessOrEqual(t, ls.P95Ms, ls.P99Ms)
		assert.LessOrEqual(t, ls.P99Ms, ls.P999Ms)
	}

	// Level 4: ~4/0.05 = 80 req/s, minus scheduling overhead.
	last := res.Levels[2]
	assert.Equal(t, 4, last.Concurrency)
	assert.InDelta(t, 80.0, last.Throughput, 16.0)

	assert.Equal(t, StateOptimal, res.FinalState.Kind)
	assert.Nil(t, res.DegradationPoint)
	assert.Nil(t, res.FailurePoint)
}

// Two identical sweep runs against a deterministic executor produce
// identical latency statistics for every level.
func TestSweepDeterministicStats(t *testing.T) {
	cfg := Config{
		Mode:               ModeSweep,
		MinConcurrency:     1,
		MaxConcurrency:     2,
		Levels:             []int{1, 2},
		LevelDuration:      300 * time.Millisecond,
		RequestTimeout:     time.Second,
		ClassifierInterval: 25 * time.Millisecond,
	}

	a, err := newTestDriver(cfg, fixedLatency(20*time.Millisecond)).Run(context.Background())
	require.NoError(t, err)
	b, err := newTestDriver(cfg, fixedLatency(20*time.Millisecond)).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, a.Levels, 2)
	require.Len(t, b.Levels, 2)
	for i := range a.Levels {
		assert.Equal(t, a.Levels[i].P50Ms, b.Levels[i].P50Ms)
		assert.Equal(t, a.Levels[i].P95Ms, b.Levels[i].P95Ms)
		assert.Equal(t, a.Levels[i].P99Ms, b.Levels[i].P99Ms)
		assert.Equal(t, a.Levels[i].P999Ms, b.Levels[i].P999Ms)
		assert.Equal(t, a.Levels[i].ErrorRate, b.Levels[i].ErrorRate)
	}
}

// Ramp against a server whose latency grows linearly with load: the
// degradation point lands where p99 first exceeds twice the baseline.
func TestRampFindsDegradationPoint(t *testing.T) {
	exec := &mockExecutor{
		latency: func(n int64) time.Duration {
			if n <= 2 {
				return 10 * time.Millisecond
			}
			return 25 * time.Millisecond
		},
	}
	cfg := Config{
		Mode:               ModeRamp,
		MinConcurrency:     1,
		MaxConcurrency:     4,
		StepSize:           1,
		LevelDuration:      400 * time.Millisecond,
		RequestTimeout:     2 * time.Second,
		ClassifierInterval: 25 * time.Millisecond,
	}

	res, err := newTestDriver(cfg, exec).Run(context.Background())
	require.NoError(t, err)

	// Baseline p99 is 10ms at level 1; the 2x threshold is first crossed
	// at level 3, where service time jumps to 25ms.
	require.NotNil(t, res.DegradationPoint)
	assert.Equal(t, 3, res.DegradationPoint.Concurrency)
	assert.Nil(t, res.FailurePoint)
	assert.Len(t, res.Levels, 4)
	assert.Equal(t, StateDegraded, res.FinalState.Kind)
}

// Once a level's error rate crosses the failure threshold, ramp records
// the failure point and never starts the next level.
func TestRampStopsAtFailurePoint(t *testing.T) {
	exec := &mockExecutor{
		latency:  func(int64) time.Duration { return 10 * time.Millisecond },
		failWhen: func(n int64) bool { return n >= 3 },
	}
	cfg := Config{
		Mode:               ModeRamp,
		MinConcurrency:     1,
		MaxConcurrency:     6,
		StepSize:           1,
		LevelDuration:      400 * time.Millisecond,
		RequestTimeout:     time.Second,
		ClassifierInterval: 25 * time.Millisecond,
	}

	res, err := newTestDriver(cfg, exec).Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, res.FailurePoint)
	assert.Equal(t, 3, res.FailurePoint.Concurrency)
	assert.Len(t, res.Levels, 3, "no level after the failure point")
	assert.Equal(t, StateFailed, res.FinalState.Kind)
}

// A burst of errors early in a level can age out of the rolling window
// before the level closes; the recorded failure point must still stop the
// ramp from starting the next level.
func TestRampStopsOnAgedOutFailure(t *testing.T) {
	var failures int64
	exec := &mockExecutor{
		latency: func(int64) time.Duration { return 10 * time.Millisecond },
		failWhen: func(n int64) bool {
			if n < 2 {
				return false
			}
			// Only the first few overlapping requests fail, all inside the
			// opening moments of level 2.
			return atomic.AddInt64(&failures, 1) <= 6
		},
	}
	cfg := Config{
		Mode:               ModeRamp,
		MinConcurrency:     1,
		MaxConcurrency:     6,
		StepSize:           1,
		LevelDuration:      600 * time.Millisecond,
		RequestTimeout:     time.Second,
		ClassifierInterval: 25 * time.Millisecond,
	}

	res, err := newTestDriver(cfg, exec).Run(context.Background())
	require.NoError(t, err)

	// Rolling span is 10 ticks (250ms); the errors are gone from it well
	// before the 600ms level ends.
	require.NotNil(t, res.FailurePoint)
	assert.Equal(t, 2, res.FailurePoint.Concurrency)
	assert.Len(t, res.Levels, 2, "level after the failure point never ran")
}

// Sustained load below capacity: completion count tracks
// concurrency x duration / service time and the run stays optimal.
func TestSustainedThroughputAndState(t *testing.T) {
	cfg := Config{
		Mode:               ModeSustained,
		MinConcurrency:     5,
		MaxConcurrency:     5,
		TotalDuration:      time.Second,
		RequestTimeout:     time.Second,
		ClassifierInterval: 50 * time.Millisecond,
	}

	res, err := newTestDriver(cfg, fixedLatency(20*time.Millisecond)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Levels, 1)

	// Ideal is 5 * (1000/20) = 250 completions.
	got := res.Levels[0].Completed
	assert.Greater(t, got, 180)
	assert.LessOrEqual(t, got, 260)
	assert.Equal(t, StateOptimal, res.FinalState.Kind)

	// Whole-run latency summary covers the same completions.
	assert.InDelta(t, 20.0, res.Latency.P50Ms, 1.0)
	assert.Greater(t, res.Latency.MeanMs, 0.0)
	assert.GreaterOrEqual(t, res.Latency.P99Ms, res.Latency.P50Ms)
	assert.GreaterOrEqual(t, res.Latency.MaxMs, res.Latency.P99Ms)
}

// Spike: burst past the mock's capacity fails, then latency recovers to
// baseline shortly after the burst ends.
func TestSpikeFailureAndRecovery(t *testing.T) {
	exec := &mockExecutor{
		latency:  func(int64) time.Duration { return 50 * time.Millisecond },
		failWhen: func(n int64) bool { return n > 6 },
	}
	cfg := Config{
		Mode:                ModeSpike,
		MinConcurrency:      1,
		MaxConcurrency:      12,
		BaselineConcurrency: 2,
		SpikeConcurrency:    12,
		SpikeDuration:       600 * time.Millisecond,
		LevelDuration:       400 * time.Millisecond,
		ArrivalRate:         20,
		RequestTimeout:      2 * time.Second,
		ClassifierInterval:  25 * time.Millisecond,
		RecoveryInterval:    25 * time.Millisecond,
		RecoveryMaxWait:     2 * time.Second,
	}

	res, err := newTestDriver(cfg, exec).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Levels, 2)

	require.NotNil(t, res.FailurePoint)
	assert.Equal(t, 12, res.FailurePoint.Concurrency)

	require.NotNil(t, res.RecoveryTimeMs)
	assert.Less(t, *res.RecoveryTimeMs, 1000.0)
	assert.False(t, res.RecoveryTimedOut)
}

type refusingExecutor struct{}

func (refusingExecutor) Execute(context.Context, Payload) (ExecResult, error) {
	return ExecResult{}, &ExecError{Kind: stats.OutcomeConnectionError, Err: errors.New("connection refused")}
}

func TestUnreachableTargetAbortsRun(t *testing.T) {
	cfg := Config{
		Mode:           ModeSweep,
		MinConcurrency: 1,
		MaxConcurrency: 4,
		LevelDuration:  time.Second,
	}

	res, err := newTestDriver(cfg, refusingExecutor{}).Run(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)
	require.NotNil(t, res)
	assert.True(t, res.Unreachable)
	assert.Equal(t, StateFailed, res.FinalState.Kind)
	assert.Equal(t, 1, res.FinalState.Level)
	assert.Empty(t, res.Levels)
}

func TestCancellationKeepsClosedLevels(t *testing.T) {
	cfg := Config{
		Mode:               ModeSweep,
		MinConcurrency:     1,
		MaxConcurrency:     2,
		Levels:             []int{1, 2},
		LevelDuration:      400 * time.Millisecond,
		RequestTimeout:     time.Second,
		ClassifierInterval: 25 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(600 * time.Millisecond)
		cancel()
	}()

	res, err := newTestDriver(cfg, fixedLatency(20*time.Millisecond)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.FinalState.Kind)
	assert.Len(t, res.Levels, 1, "first level closed before cancellation survives")
}

func TestInvalidConfigIsFatalBeforeAnyLevel(t *testing.T) {
	cfg := Config{
		Mode:           ModeSweep,
		MinConcurrency: 8,
		MaxConcurrency: 2,
		LevelDuration:  time.Second,
	}
	res, err := newTestDriver(cfg, fixedLatency(time.Millisecond)).Run(context.Background())
	require.ErrorIs(t, err, ErrConfigInvalid)
	assert.Nil(t, res)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, stats.OutcomeServerError,
		classifyError(&ExecError{Kind: stats.OutcomeServerError}))
	assert.Equal(t, stats.OutcomeTimeout, classifyError(context.DeadlineExceeded))
	assert.Equal(t, stats.OutcomeCancelled, classifyError(context.Canceled))
	assert.Equal(t, stats.OutcomeConnectionError, classifyError(errors.New("boom")))
}
