package sysmon

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"llamaburn/internal/stress"
)

// Monitor samples host resource usage on a fixed interval and exposes the
// series as a stress.ResourceProfiler. GPU fields stay nil; CPU, memory
// and load cover the local-inference case without vendor-specific hooks.
type Monitor struct {
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	samples []stress.ResourceSample
}

func NewMonitor(interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{interval: interval, log: log}
}

// Run blocks, sampling until ctx ends. Call it from its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	s := stress.ResourceSample{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPct = pct[0]
	} else if err != nil {
		m.log.Debug("cpu sample failed", zap.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemMB = float64(vm.Used) / 1024.0 / 1024.0
	}
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
}

// Samples returns a copy of everything collected so far.
func (m *Monitor) Samples() []stress.ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stress.ResourceSample, len(m.samples))
	copy(out, m.samples)
	return out
}
