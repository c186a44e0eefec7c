package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	flag "github.com/spf13/pflag"

	"github.com/hupe1980/kcore"
	"github.com/hupe1980/kcore/fault"
	"github.com/hupe1980/kcore/internal/codec"
)

// bootFlags are shared by every command that boots a kernel.
type bootFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	cores       int
	device      string
	blocks      uint32
	compression string
	sync        bool
	minioSecure bool
}

func (b *bootFlags) register(fs *flag.FlagSet) {
	fs.StringVarP(&b.configPath, "config", "c", "", "JSON config file (comments allowed)")
	fs.StringVar(&b.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	fs.StringVar(&b.logFormat, "log-format", "text", "log format: text or json")
	fs.IntVar(&b.cores, "cores", 0, "override the configured core count")
	fs.StringVarP(&b.device, "device", "d", "mem", "device 1 spec (mem, file:PATH, local:DIR, s3://, minio://, dynamodb://)")
	fs.Uint32Var(&b.blocks, "blocks", 1024, "device size in blocks")
	fs.StringVar(&b.compression, "compression", "none", "block compression for object devices: none, lz4, zstd")
	fs.BoolVar(&b.sync, "sync", false, "fsync file devices after every write")
	fs.BoolVar(&b.minioSecure, "minio-secure", false, "use TLS for minio:// devices")
}

func (b *bootFlags) config() (kcore.Config, error) {
	cfg := kcore.DefaultConfig()
	if b.configPath != "" {
		var err error
		if cfg, err = kcore.LoadConfig(b.configPath); err != nil {
			return cfg, err
		}
	}
	if b.cores > 0 {
		cfg.NumCores = b.cores
	}
	return cfg, cfg.Validate()
}

func (b *bootFlags) logger(w io.Writer) (*kcore.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(b.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch b.logFormat {
	case "text":
		return kcore.NewLogger(slog.NewTextHandler(w, opts)), nil
	case "json":
		return kcore.NewLogger(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", b.logFormat)
	}
}

// boot brings up a kernel with the device attached as id 1.
func (b *bootFlags) boot(ctx context.Context, stderr io.Writer, halt fault.Halter, opts ...kcore.Option) (*kcore.Kernel, error) {
	cfg, err := b.config()
	if err != nil {
		return nil, err
	}
	logger, err := b.logger(stderr)
	if err != nil {
		return nil, err
	}
	comp, err := codec.ParseCompression(b.compression)
	if err != nil {
		return nil, err
	}
	spec, err := parseDeviceSpec(b.device)
	if err != nil {
		return nil, err
	}

	opts = append([]kcore.Option{kcore.WithLogger(logger), kcore.WithHalter(halt)}, opts...)
	k, err := kcore.Boot(cfg, opts...)
	if err != nil {
		return nil, err
	}

	dev, err := openDevice(ctx, spec, cfg.Cache.BlockSize, b.blocks, deviceOptions{
		compression: comp,
		sync:        b.sync,
		minioSecure: b.minioSecure,
	})
	if err == nil {
		err = k.AttachDevice(ctx, 1, spec.Scheme, dev)
	}
	if err != nil {
		_ = k.Shutdown(ctx)
		return nil, err
	}
	return k, nil
}

// exitHalter prints the fault and terminates the process.
func exitHalter(stderr io.Writer, exit func(int)) fault.Halter {
	return func(f *fault.Error) {
		fmt.Fprintln(stderr, "panic:", f)
		exit(exitFault)
	}
}
