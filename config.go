package kcore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/hupe1980/kcore/bcache"
	"github.com/hupe1980/kcore/internal/resource"
	"github.com/hupe1980/kcore/kalloc"
)

// Config holds the boot-time constants. They are fixed once Boot returns.
type Config struct {
	// NumCores is the number of cores (NCPU).
	NumCores int `json:"num_cores"`
	// Cache is the buffer pool geometry.
	Cache bcache.Config `json:"cache"`
	// Memory is the physical memory layout.
	Memory kalloc.Config `json:"memory"`
	// TickMillis is the length of one LRU tick in milliseconds.
	TickMillis int `json:"tick_ms"`
	// Limits optionally caps allocator memory and device throughput.
	Limits Limits `json:"limits"`
}

// Limits configures resource governance. Zero values disable a limit.
type Limits struct {
	MemoryBytes   int64 `json:"memory_bytes"`
	IOBytesPerSec int64 `json:"io_bytes_per_sec"`
	IOBurstBytes  int   `json:"io_burst_bytes"`
}

// DefaultConfig returns 8 cores, 30 buffers over 21 buckets of 1 KiB
// blocks, and 128 MiB of RAM at 0x80000000 in 4 KiB pages.
func DefaultConfig() Config {
	return Config{
		NumCores:   8,
		Cache:      bcache.DefaultConfig(),
		Memory:     kalloc.DefaultConfig(),
		TickMillis: 10,
	}
}

// Tick returns the LRU tick length.
func (c Config) Tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// Validate checks every section of the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.NumCores < 1 {
		errs = append(errs, fmt.Errorf("%w: num_cores must be positive, got %d", ErrInvalidConfig, c.NumCores))
	}
	if c.TickMillis < 0 {
		errs = append(errs, fmt.Errorf("%w: tick_ms must not be negative", ErrInvalidConfig))
	}
	if c.Limits.MemoryBytes < 0 || c.Limits.IOBytesPerSec < 0 || c.Limits.IOBurstBytes < 0 {
		errs = append(errs, fmt.Errorf("%w: limits must not be negative", ErrInvalidConfig))
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Memory.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) resourceConfig() resource.Config {
	return resource.Config{
		MemoryLimitBytes:   c.Limits.MemoryBytes,
		IOLimitBytesPerSec: c.Limits.IOBytesPerSec,
		IOBurstBytes:       c.Limits.IOBurstBytes,
	}
}

// ParseConfig decodes a JSON-with-comments document over the defaults.
// Comments and trailing commas are allowed; unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("kcore: parse config: %w", err)
	}

	cfg := DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("kcore: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a configuration file. See ParseConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("kcore: read config: %w", err)
	}
	return ParseConfig(data)
}
