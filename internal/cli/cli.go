package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"llamaburn/internal/storage"
	"llamaburn/internal/stress"
)

// Options controls what happens around a headless run.
type Options struct {
	OutPrefix string // JSON export prefix; empty disables export
	NoHistory bool
	Store     *storage.Store
}

// Start runs the driver to completion while rendering a progress line from
// its update channel, then prints the per-level summary and persists the
// result.
func Start(ctx context.Context, d *stress.Driver, cfg stress.Config, opts Options, log *zap.Logger) (*stress.Result, error) {
	printHeader(cfg)

	done := make(chan struct{})
	var res *stress.Result
	var runErr error
	go func() {
		defer close(done)
		res, runErr = d.Run(ctx)
	}()

	start := time.Now()
	for {
		select {
		case snap := <-d.Updates:
			fmt.Printf("\r%-10s lvl %-4d | Inf: %3d | OK: %d | Err: %d | p50: %6.1fms | p99: %6.1fms | %s ",
				snap.Phase, snap.Level, snap.Inflight,
				snap.Requests-snap.Errors, snap.Errors,
				snap.RollingP50Ms, snap.RollingP99Ms,
				time.Since(start).Round(time.Second))
		case <-done:
			fmt.Println()
			if runErr != nil {
				return res, runErr
			}
			printSummary(res)
			persist(res, opts, log)
			return res, nil
		}
	}
}

func printHeader(cfg stress.Config) {
	fmt.Printf("\nSTARTING CAPACITY TEST\n")
	fmt.Printf("======================================================================\n")
	fmt.Printf("Mode        : %s (%s arrivals)\n", cfg.Mode, cfg.Arrival)
	fmt.Printf("Concurrency : %d - %d\n", cfg.MinConcurrency, cfg.MaxConcurrency)
	if cfg.Mode == stress.ModeSpike {
		fmt.Printf("Spike       : %d for %s (baseline %d)\n",
			cfg.SpikeConcurrency, cfg.SpikeDuration, cfg.BaselineConcurrency)
	}
	fmt.Printf("Timeout     : %s\n", cfg.RequestTimeout)
	fmt.Printf("======================================================================\n\n")
}

func printSummary(res *stress.Result) {
	fmt.Printf("\nCAPACITY TEST RESULTS: %s\n", strings.ToUpper(string(res.FinalState.Kind)))
	fmt.Printf("======================================================================\n")
	fmt.Printf("%-6s %-8s %-9s %-9s %-9s %-9s %-9s %-7s\n",
		"conc", "samples", "rps", "p50 ms", "p95 ms", "p99 ms", "p99.9 ms", "err %")
	for _, ls := range res.Levels {
		fmt.Printf("%-6d %-8d %-9.1f %-9.1f %-9.1f %-9.1f %-9.1f %-7.2f\n",
			ls.Concurrency, ls.SampleCount, ls.Throughput,
			ls.P50Ms, ls.P95Ms, ls.P99Ms, ls.P999Ms, ls.ErrorRate*100)
	}
	fmt.Printf("----------------------------------------------------------------------\n")

	if p := res.DegradationPoint; p != nil {
		fmt.Printf("Degradation point : concurrency %d\n", p.Concurrency)
	}
	if p := res.FailurePoint; p != nil {
		fmt.Printf("Failure point     : concurrency %d\n", p.Concurrency)
	}
	if res.RecoveryTimeMs != nil {
		fmt.Printf("Recovery time     : %.0f ms\n", *res.RecoveryTimeMs)
	} else if res.RecoveryTimedOut {
		fmt.Printf("Recovery time     : not reached within max wait\n")
	}
	fmt.Printf("Overall latency   : mean %.1f ms | p50 %.1f ms | p99 %.1f ms | max %.1f ms\n",
		res.Latency.MeanMs, res.Latency.P50Ms, res.Latency.P99Ms, res.Latency.MaxMs)
	fmt.Printf("Total requests    : %d (%d errors)\n", res.TotalRequests, res.TotalErrors)
	fmt.Printf("======================================================================\n")
}

func persist(res *stress.Result, opts Options, log *zap.Logger) {
	if opts.OutPrefix != "" {
		path := opts.OutPrefix + ".json"
		if data, err := json.MarshalIndent(res, "", "  "); err == nil {
			if err := os.WriteFile(path, data, 0644); err != nil {
				log.Error("result export failed", zap.String("path", path), zap.Error(err))
			} else {
				fmt.Printf("Result written to %s\n", path)
			}
		}
	}

	if opts.NoHistory || opts.Store == nil {
		return
	}
	if err := opts.Store.Save(res); err != nil {
		log.Error("history save failed", zap.Error(err))
	}
}
