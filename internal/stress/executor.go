package stress

import (
	"context"
	"fmt"
	"time"

	"llamaburn/internal/stats"
)

// Payload is the request handed to the executor for every dispatch.
type Payload struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ExecResult is the latency breakdown of one successful inference call.
type ExecResult struct {
	TTFT         time.Duration
	TotalLatency time.Duration
}

// ExecError is a classified per-request failure. It is recoverable: it
// only contributes to error statistics, never to run control flow.
type ExecError struct {
	Kind stats.Outcome
	Err  error
}

func (e *ExecError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// RequestExecutor issues one inference call against the target. The core
// never performs I/O itself; this is its only boundary to the network
// layer. The deadline travels on the context. A non-nil error must be an
// *ExecError so the outcome can be classified.
type RequestExecutor interface {
	Execute(ctx context.Context, payload Payload) (ExecResult, error)
}
