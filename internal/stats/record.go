package stats

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies a single completed request.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeConnectionError Outcome = "connection_error"
	OutcomeServerError     Outcome = "server_error"
	OutcomeCancelled       Outcome = "cancelled"
)

// IsError reports whether the outcome counts toward the error rate.
// Cancelled requests count toward neither success nor failure.
func (o Outcome) IsError() bool {
	switch o {
	case OutcomeTimeout, OutcomeConnectionError, OutcomeServerError:
		return true
	}
	return false
}

// RequestRecord is created by a virtual client at dispatch and completed
// exactly once. After Submit the aggregator owns it; callers must not
// touch it again.
type RequestRecord struct {
	ID                    string
	DispatchTime          time.Time
	CompletionTime        time.Time
	TTFT                  time.Duration
	TotalLatency          time.Duration
	ConcurrencyAtDispatch int
	Outcome               Outcome
}

func NewRequestRecord(concurrency int) *RequestRecord {
	return &RequestRecord{
		ID:                    uuid.New().String(),
		DispatchTime:          time.Now(),
		ConcurrencyAtDispatch: concurrency,
	}
}

// Complete stamps the record. A zero total falls back to wall time since
// dispatch so failed requests still carry a usable latency.
func (r *RequestRecord) Complete(outcome Outcome, ttft, total time.Duration) {
	r.CompletionTime = time.Now()
	r.Outcome = outcome
	r.TTFT = ttft
	if total > 0 {
		r.TotalLatency = total
	} else {
		r.TotalLatency = r.CompletionTime.Sub(r.DispatchTime)
	}
}
