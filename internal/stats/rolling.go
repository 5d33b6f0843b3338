package stats

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// RollingSnapshot is a sliding estimate over recent completions, used by
// the capacity classifier for live decisions. It is independent of the
// finalized LevelStats.
type RollingSnapshot struct {
	Samples   int
	ErrorRate float64
	P50Ms     float64
	P99Ms     float64
}

type rsample struct {
	completed time.Time
	latencyUs int64
	isErr     bool
	cancelled bool
}

// rollingWindow keeps the last size completions in a ring and answers
// queries over those that also fall inside the last span of wall time.
// Quantiles come from an hdr histogram rebuilt per snapshot; the ring is
// small so the rebuild is cheap next to a classifier tick.
type rollingWindow struct {
	size  int
	span  time.Duration
	buf   []rsample
	next  int
	count int
}

func newRollingWindow(size int, span time.Duration) *rollingWindow {
	if size <= 0 {
		size = 256
	}
	return &rollingWindow{
		size: size,
		span: span,
		buf:  make([]rsample, size),
	}
}

func (r *rollingWindow) add(rec *RequestRecord) {
	r.buf[r.next] = rsample{
		completed: rec.CompletionTime,
		latencyUs: rec.TotalLatency.Microseconds(),
		isErr:     rec.Outcome.IsError(),
		cancelled: rec.Outcome == OutcomeCancelled,
	}
	r.next = (r.next + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *rollingWindow) reset() {
	r.next = 0
	r.count = 0
}

func (r *rollingWindow) snapshot(now time.Time) RollingSnapshot {
	h := hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)
	cutoff := now.Add(-r.span)

	n, errs := 0, 0
	for i := 0; i < r.count; i++ {
		s := r.buf[i]
		if s.cancelled || (r.span > 0 && s.completed.Before(cutoff)) {
			continue
		}
		n++
		if s.isErr {
			errs++
		}
		if s.latencyUs > 0 {
			_ = h.RecordValue(s.latencyUs)
		}
	}

	snap := RollingSnapshot{Samples: n}
	if n > 0 {
		snap.ErrorRate = float64(errs) / float64(n)
		snap.P50Ms = float64(h.ValueAtQuantile(50)) / 1000.0
		snap.P99Ms = float64(h.ValueAtQuantile(99)) / 1000.0
	}
	return snap
}
