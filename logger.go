package kcore

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/kcore/fault"
)

// Logger wraps slog.Logger with kernel-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithCPU adds a cpu field to the logger.
func (l *Logger) WithCPU(id int) *Logger {
	return &Logger{
		Logger: l.Logger.With("cpu", id),
	}
}

// WithDevice adds a dev field to the logger.
func (l *Logger) WithDevice(dev uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("dev", dev),
	}
}

// LogBoot logs a completed boot.
func (l *Logger) LogBoot(ctx context.Context, cfg Config) {
	l.InfoContext(ctx, "kernel booted",
		"cores", cfg.NumCores,
		"buffers", cfg.Cache.NumBuffers,
		"buckets", cfg.Cache.NumBuckets,
		"block_size", cfg.Cache.BlockSize,
		"frames", cfg.Memory.NumFrames(),
		"page_size", cfg.Memory.PageSize,
	)
}

// LogShutdown logs a shutdown.
func (l *Logger) LogShutdown(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "kernel shutdown failed", "error", err)
	} else {
		l.InfoContext(ctx, "kernel shut down")
	}
}

// LogHalt logs a fatal fault.
func (l *Logger) LogHalt(f *fault.Error) {
	l.Error("kernel halt",
		"kind", f.Kind.String(),
		"op", f.Op,
		"detail", f.Detail,
	)
}

// LogDeviceAttach logs a device registration.
func (l *Logger) LogDeviceAttach(ctx context.Context, dev uint32, kind string, blocks uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "device attach failed",
			"dev", dev,
			"kind", kind,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "device attached",
			"dev", dev,
			"kind", kind,
			"blocks", blocks,
		)
	}
}

// LogDeviceError logs a failed block transfer.
func (l *Logger) LogDeviceError(write bool, duration time.Duration, err error) {
	op := "read"
	if write {
		op = "write"
	}
	l.Error("block transfer failed",
		"op", op,
		"duration", duration,
		"error", err,
	)
}

// LogSteal logs frames moved to core from another core's list.
func (l *Logger) LogSteal(core, frames int) {
	l.Debug("frames stolen",
		"cpu", core,
		"frames", frames,
	)
}

// LogAudit logs the result of an integrity audit.
func (l *Logger) LogAudit(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "audit failed", "error", err)
	} else {
		l.DebugContext(ctx, "audit passed")
	}
}
