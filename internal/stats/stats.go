package stats

import (
	"sync/atomic"
)

// RunTotals holds run-wide counters, updated atomically on the submit path.
type RunTotals struct {
	Requests  uint64
	Success   uint64
	Errors    uint64
	Cancelled uint64
}

func (t *RunTotals) add(o Outcome) {
	atomic.AddUint64(&t.Requests, 1)
	switch {
	case o == OutcomeSuccess:
		atomic.AddUint64(&t.Success, 1)
	case o == OutcomeCancelled:
		atomic.AddUint64(&t.Cancelled, 1)
	default:
		atomic.AddUint64(&t.Errors, 1)
	}
}

// Snapshot returns a consistent-enough copy for progress reporting.
func (t *RunTotals) Snapshot() RunTotals {
	return RunTotals{
		Requests:  atomic.LoadUint64(&t.Requests),
		Success:   atomic.LoadUint64(&t.Success),
		Errors:    atomic.LoadUint64(&t.Errors),
		Cancelled: atomic.LoadUint64(&t.Cancelled),
	}
}

func (t *RunTotals) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&t.Requests)
	if reqs == 0 {
		return 0
	}
	errs := atomic.LoadUint64(&t.Errors)
	return float64(errs) / float64(reqs)
}
