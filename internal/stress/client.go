package stress

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"llamaburn/internal/stats"
)

// virtualClient drives requests through the gate and submits every
// completion to the aggregator. Closed loop waits for completion (plus
// think time) before requesting the next permit; open loop paces
// dispatches off the arrival scheduler regardless of completions, so
// arrivals beyond capacity queue at the gate. That queueing is the
// observable saturation signal.
type virtualClient struct {
	gate    *Gate
	exec    RequestExecutor
	agg     *stats.Aggregator
	arrival *ArrivalScheduler
	payload Payload
	timeout time.Duration
	think   time.Duration
	log     *zap.Logger
}

func (c *virtualClient) runClosed(ctx context.Context, level int) {
	for {
		if err := c.gate.Acquire(ctx); err != nil {
			return
		}
		c.dispatch(level)
		c.gate.Release()
		if c.think > 0 && !sleepCtx(ctx, c.think) {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// runOpen paces dispatches independently of completions. Each dispatch
// still acquires a permit first, so the gate caps what is actually in
// flight. Dispatched goroutines are tracked via inflight so the driver can
// drain them before closing the level window.
func (c *virtualClient) runOpen(ctx context.Context, level int, rate float64, inflight *sync.WaitGroup) {
	for {
		if !sleepCtx(ctx, c.arrival.NextDelay(rate)) {
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if err := c.gate.Acquire(ctx); err != nil {
				return
			}
			c.dispatch(level)
			c.gate.Release()
		}()
	}
}

// dispatch runs one request to completion. The request context carries
// only the configured timeout: run cancellation lets in-flight requests
// finish or time out rather than killing them mid-stream.
func (c *virtualClient) dispatch(level int) {
	rec := stats.NewRequestRecord(level)

	reqCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	res, err := c.exec.Execute(reqCtx, c.payload)
	cancel()

	if err == nil {
		rec.Complete(stats.OutcomeSuccess, res.TTFT, res.TotalLatency)
	} else {
		outcome := classifyError(err)
		rec.Complete(outcome, 0, 0)
		c.log.Debug("request failed",
			zap.String("outcome", string(outcome)),
			zap.Int("level", level),
			zap.Error(err))
	}
	c.agg.Submit(rec)
}

func classifyError(err error) stats.Outcome {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return stats.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return stats.OutcomeCancelled
	}
	return stats.OutcomeConnectionError
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
