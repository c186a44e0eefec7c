package kcore

import (
	"log/slog"

	"github.com/hupe1980/kcore/bcache"
	"github.com/hupe1980/kcore/fault"
)

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	halter           fault.Halter
	clock            bcache.Clock
}

// Option configures Boot.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for the cache and the
// allocator. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &kcore.BasicMetricsCollector{}
//	k, _ := kcore.Boot(cfg, kcore.WithMetricsCollector(metrics))
//	// ... use k ...
//	stats := metrics.GetStats()
//	fmt.Printf("Hits: %d, Misses: %d\n", stats.CacheHits, stats.CacheMisses)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := kcore.NewJSONLogger(slog.LevelInfo)
//	k, _ := kcore.Boot(cfg, kcore.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithHalter installs the handler for fatal faults. The kernel logs every
// fault before calling it. If h returns, the fault panics.
//
// Example exiting the process:
//
//	kcore.WithHalter(func(*fault.Error) { os.Exit(2) })
func WithHalter(h fault.Halter) Option {
	return func(o *options) {
		o.halter = h
	}
}

// WithClock replaces the LRU tick source, e.g. with a *bcache.ManualClock
// for deterministic tests.
func WithClock(c bcache.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		halter:           fault.Panic,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.halter == nil {
		o.halter = fault.Panic
	}
	return o
}
