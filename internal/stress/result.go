package stress

import (
	"time"

	"llamaburn/internal/stats"
)

// ResourceSample is one point from the optional resource profiler feed.
// The core stores these for timestamp correlation; it never interprets
// them.
type ResourceSample struct {
	Timestamp time.Time `json:"timestamp"`
	CPUPct    float64   `json:"cpu_pct"`
	MemMB     float64   `json:"mem_mb"`
	Load1     float64   `json:"load1,omitempty"`
	GPUPct    *float64  `json:"gpu_pct,omitempty"`
	VRAMMB    *float64  `json:"vram_mb,omitempty"`
}

// ResourceProfiler is the consumed contract for the resource feed.
type ResourceProfiler interface {
	Samples() []ResourceSample
}

// LatencySummary is the whole-run latency view, aggregated across every
// level and phase, warmup and cooldown included.
type LatencySummary struct {
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// Result is the run output handed to the persistence collaborator.
// The JSON schema is stable; fields are additive only.
type Result struct {
	RunID      string    `json:"run_id"`
	Mode       Mode      `json:"mode"`
	Model      string    `json:"model,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`

	Levels           []stats.LevelStats `json:"levels"`
	DegradationPoint *CapacityPoint     `json:"degradation_point,omitempty"`
	FailurePoint     *CapacityPoint     `json:"failure_point,omitempty"`
	RecoveryTimeMs   *float64           `json:"recovery_time_ms,omitempty"`
	RecoveryTimedOut bool               `json:"recovery_timed_out,omitempty"`

	Latency LatencySummary `json:"latency"`

	FinalState  CapacityState `json:"final_state"`
	Unreachable bool          `json:"unreachable,omitempty"`

	TotalRequests uint64 `json:"total_requests"`
	TotalErrors   uint64 `json:"total_errors"`

	Resources []ResourceSample `json:"resources,omitempty"`
	Config    Config           `json:"config"`
}
