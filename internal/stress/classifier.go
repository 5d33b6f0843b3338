package stress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"llamaburn/internal/stats"
)

type StateKind string

const (
	StateIdle      StateKind = "idle"
	StateOptimal   StateKind = "optimal"
	StateDegraded  StateKind = "degraded"
	StateFailed    StateKind = "failed"
	StateCancelled StateKind = "cancelled"
	StateCompleted StateKind = "completed"
)

// CapacityState is the single current operating-regime value for a run.
// Level carries the concurrency the state was observed at; it is zero for
// the terminal Idle/Cancelled/Completed kinds.
type CapacityState struct {
	Kind  StateKind `json:"kind"`
	Level int       `json:"level,omitempty"`
}

// CapacityPoint pins the first occurrence of degradation or failure.
type CapacityPoint struct {
	Concurrency int       `json:"concurrency"`
	Time        time.Time `json:"time"`
}

// Classifier derives the capacity state from rolling statistics against
// the baseline captured at the run's minimum concurrency. Only the
// classifier mutates the state; degradation and failure points are set
// once, at first occurrence, and never move.
type Classifier struct {
	degradationFactor float64
	failureErrorRate  float64
	log               *zap.Logger

	mu          sync.Mutex
	baseline    *stats.LevelStats
	state       CapacityState
	degradation *CapacityPoint
	failure     *CapacityPoint
}

func NewClassifier(degradationFactor, failureErrorRate float64, log *zap.Logger) *Classifier {
	return &Classifier{
		degradationFactor: degradationFactor,
		failureErrorRate:  failureErrorRate,
		log:               log,
		state:             CapacityState{Kind: StateIdle},
	}
}

// SetBaseline records the reference LevelStats, captured after its own
// warmup at the run's minimum concurrency.
func (c *Classifier) SetBaseline(ls stats.LevelStats) {
	c.mu.Lock()
	c.baseline = &ls
	c.mu.Unlock()
	c.log.Info("baseline captured",
		zap.Int("concurrency", ls.Concurrency),
		zap.Float64("p99_ms", ls.P99Ms),
		zap.Float64("error_rate", ls.ErrorRate))
}

// Observe evaluates one classifier tick for the given concurrency level.
// Error rate dominates: once it crosses the failure threshold the latency
// condition is irrelevant. Without a baseline the latency condition is
// treated as satisfied.
func (c *Classifier) Observe(level int, snap stats.RollingSnapshot) CapacityState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Samples == 0 {
		return c.state
	}

	now := time.Now()
	switch {
	case snap.ErrorRate > c.failureErrorRate:
		c.setStateLocked(StateFailed, level)
		if c.failure == nil {
			c.failure = &CapacityPoint{Concurrency: level, Time: now}
		}
	case c.baseline != nil && c.baseline.P99Ms > 0 && snap.P99Ms > c.degradationFactor*c.baseline.P99Ms:
		c.setStateLocked(StateDegraded, level)
		if c.degradation == nil {
			c.degradation = &CapacityPoint{Concurrency: level, Time: now}
		}
	default:
		c.setStateLocked(StateOptimal, level)
	}
	return c.state
}

func (c *Classifier) setStateLocked(kind StateKind, level int) {
	next := CapacityState{Kind: kind, Level: level}
	if next != c.state {
		c.log.Info("capacity state changed",
			zap.String("from", string(c.state.Kind)),
			zap.String("to", string(kind)),
			zap.Int("level", level))
	}
	c.state = next
}

func (c *Classifier) State() CapacityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Classifier) DegradationPoint() *CapacityPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degradation
}

func (c *Classifier) FailurePoint() *CapacityPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// AwaitRecovery polls the rolling window after a spike burst until p99
// returns to within 10% above baseline, or maxWait elapses. It returns the
// elapsed time to recovery and whether recovery was observed.
func (c *Classifier) AwaitRecovery(ctx context.Context, rolling func() stats.RollingSnapshot, interval, maxWait time.Duration) (time.Duration, bool) {
	c.mu.Lock()
	baseline := c.baseline
	c.mu.Unlock()
	if baseline == nil {
		return 0, false
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, false
		case <-deadline.C:
			return 0, false
		case <-ticker.C:
			snap := rolling()
			if snap.Samples == 0 {
				continue
			}
			if snap.P99Ms <= 1.1*baseline.P99Ms {
				return time.Since(start), true
			}
		}
	}
}
