package storage

import (
	"time"

	"llamaburn/internal/stress"
)

// HistoryEntry is the lightweight listing view of a persisted run.
type HistoryEntry struct {
	RunID       string              `json:"run_id"`
	StartedAt   time.Time           `json:"started_at"`
	Mode        stress.Mode         `json:"mode"`
	Model       string              `json:"model,omitempty"`
	FinalState  stress.StateKind    `json:"final_state"`
	Levels      int                 `json:"levels"`
	Requests    uint64              `json:"requests"`
	Errors      uint64              `json:"errors"`
	Degradation *stress.CapacityPoint `json:"degradation_point,omitempty"`
	Failure     *stress.CapacityPoint `json:"failure_point,omitempty"`
}

func entryOf(res *stress.Result) HistoryEntry {
	return HistoryEntry{
		RunID:       res.RunID,
		StartedAt:   res.StartedAt,
		Mode:        res.Mode,
		Model:       res.Model,
		FinalState:  res.FinalState.Kind,
		Levels:      len(res.Levels),
		Requests:    res.TotalRequests,
		Errors:      res.TotalErrors,
		Degradation: res.DegradationPoint,
		Failure:     res.FailurePoint,
	}
}
