package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kcore"
	"github.com/hupe1980/kcore/cpu"
	"github.com/hupe1980/kcore/internal/rng"
	"github.com/hupe1980/kcore/kalloc"
	"github.com/hupe1980/kcore/observability"
)

type benchFlags struct {
	boot        bootFlags
	workers     int
	ops         int
	duration    time.Duration
	writePct    int
	hold        int
	seed        int64
	report      string
	metricsAddr string
}

func benchCommand() *Command {
	var f benchFlags
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	f.boot.register(fs)
	fs.IntVarP(&f.workers, "workers", "w", 0, "worker goroutines (default: one per core)")
	fs.IntVarP(&f.ops, "ops", "n", 10000, "operations per worker")
	fs.DurationVar(&f.duration, "duration", 0, "stop after this long (0: run all ops)")
	fs.IntVar(&f.writePct, "write-pct", 20, "percentage of reads followed by a write")
	fs.IntVar(&f.hold, "hold", 8, "frames each worker keeps allocated")
	fs.Int64Var(&f.seed, "seed", 42, "random seed")
	fs.StringVar(&f.report, "report", "", "write a JSON report to this file")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return &Command{
		Flags: fs,
		Usage: "bench [flags]",
		Short: "Run a concurrent cache and allocator workload",
		Long: `Boots a kernel, attaches --device as device 1 and runs --workers
goroutines. Each operation reads a random block, optionally writes it back,
releases it, then allocates a frame on the worker's core and frees the
oldest frame beyond --hold. Prints the counters and audits the kernel.`,
		Exec: func(ctx context.Context, stdout, stderr io.Writer, _ []string) error {
			return runBench(ctx, stdout, stderr, &f)
		},
	}
}

// benchReport is the --report document.
type benchReport struct {
	Config    kcore.Config            `json:"config"`
	Device    string                  `json:"device"`
	Workers   int                     `json:"workers"`
	Ops       int64                   `json:"ops"`
	Elapsed   string                  `json:"elapsed"`
	OpsPerSec float64                 `json:"ops_per_sec"`
	Stats     kcore.Stats             `json:"stats"`
	Metrics   kcore.BasicMetricsStats `json:"metrics"`
	Audit     string                  `json:"audit"`
}

func runBench(ctx context.Context, stdout, stderr io.Writer, f *benchFlags) error {
	if f.writePct < 0 || f.writePct > 100 {
		return fmt.Errorf("--write-pct must be in [0,100], got %d", f.writePct)
	}
	if f.hold < 0 {
		return fmt.Errorf("--hold must not be negative, got %d", f.hold)
	}

	basic := &kcore.BasicMetricsCollector{}
	collectors := multiCollector{basic}

	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := observability.NewPrometheusCollector(reg)
		if err != nil {
			return err
		}
		collectors = append(collectors, prom)

		stop, err := serveMetrics(f.metricsAddr, reg, stderr)
		if err != nil {
			return err
		}
		defer stop()
	}

	k, err := f.boot.boot(ctx, stderr, exitHalter(stderr, os.Exit), kcore.WithMetricsCollector(collectors))
	if err != nil {
		return err
	}
	defer k.Shutdown(context.Background()) //nolint:errcheck

	workers := f.workers
	if workers <= 0 {
		workers = k.Cores.N()
	}
	// Every worker holds one buffer at a time.
	if workers > k.Config().Cache.NumBuffers {
		return fmt.Errorf("--workers %d exceeds the %d cache buffers", workers, k.Config().Cache.NumBuffers)
	}

	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	start := time.Now()
	ops, err := benchWorkload(ctx, k, workers, f)
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	stats := k.Stats()
	auditErr := k.Audit(context.Background())

	rate := float64(ops) / elapsed.Seconds()
	fmt.Fprintf(stdout, "ops:            %d in %s (%.0f ops/s)\n", ops, elapsed.Round(time.Millisecond), rate)
	fmt.Fprintf(stdout, "cache:          %d hits, %d misses (%.1f%%), %d evictions\n",
		stats.Cache.Hits, stats.Cache.Misses, 100*stats.Cache.HitRate(), stats.Cache.Evictions)
	fmt.Fprintf(stdout, "device:         %d reads, %d writes, %d errors\n",
		stats.Cache.DeviceReads, stats.Cache.DeviceWrites, stats.Cache.DeviceErrors)
	fmt.Fprintf(stdout, "memory:         %d allocs, %d frees, %d failures\n",
		stats.Memory.Allocs, stats.Memory.Frees, stats.Memory.Failures)
	fmt.Fprintf(stdout, "stealing:       %d steals, %d frames\n", stats.Memory.Steals, stats.Memory.StolenFrames)
	fmt.Fprintf(stdout, "free per core:  %v\n", stats.Memory.FreePerCore)

	audit := "ok"
	if auditErr != nil {
		audit = auditErr.Error()
	}
	fmt.Fprintf(stdout, "audit:          %s\n", audit)

	if f.report != "" {
		rep := benchReport{
			Config:    k.Config(),
			Device:    f.boot.device,
			Workers:   workers,
			Ops:       ops,
			Elapsed:   elapsed.String(),
			OpsPerSec: rate,
			Stats:     stats,
			Metrics:   basic.GetStats(),
			Audit:     audit,
		}
		if err := writeReport(f.report, rep); err != nil {
			return err
		}
	}
	return auditErr
}

// benchWorkload runs the workers and returns the number of completed
// operations. Running out of time is not an error.
func benchWorkload(ctx context.Context, k *kcore.Kernel, workers int, f *benchFlags) (int64, error) {
	blocks := f.boot.blocks
	done := make([]int64, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			gen := rng.NewRNG(f.seed + int64(w))
			core := w % k.Cores.N()
			var held []*kalloc.Frame
			defer func() {
				for _, fr := range held {
					k.Memory.Free(fr)
				}
			}()

			for range f.ops {
				if gctx.Err() != nil {
					return nil
				}

				b, err := k.Cache.Read(gctx, 1, gen.BlockNo(blocks))
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				if gen.Intn(100) < f.writePct {
					gen.FillBlock(b.Data())
					err = k.Cache.Write(gctx, b)
				}
				k.Cache.Release(b)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}

				k.Cores.DoOn(core, func(tok *cpu.Token) {
					fr, aerr := k.Memory.AllocOn(tok)
					if aerr == nil {
						held = append(held, fr)
					}
					if len(held) > f.hold {
						k.Memory.FreeOn(tok, held[0])
						held = held[1:]
					}
				})
				done[w]++
			}
			return nil
		})
	}
	err := g.Wait()

	var total int64
	for _, n := range done {
		total += n
	}
	return total, err
}

func writeReport(path string, rep benchReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// serveMetrics serves reg on addr until the returned stop function runs.
func serveMetrics(addr string, reg *prometheus.Registry, stderr io.Writer) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(stderr, "metrics server:", err)
		}
	}()
	fmt.Fprintf(stderr, "serving metrics on http://%s/metrics\n", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// multiCollector fans events out to several collectors.
type multiCollector []kcore.MetricsCollector

func (m multiCollector) RecordCacheLookup(hit, evicted bool) {
	for _, c := range m {
		c.RecordCacheLookup(hit, evicted)
	}
}

func (m multiCollector) RecordBlockIO(write bool, d time.Duration, err error) {
	for _, c := range m {
		c.RecordBlockIO(write, d, err)
	}
}

func (m multiCollector) RecordAlloc(core, stolen int, err error) {
	for _, c := range m {
		c.RecordAlloc(core, stolen, err)
	}
}

func (m multiCollector) RecordFree(core int) {
	for _, c := range m {
		c.RecordFree(core)
	}
}
