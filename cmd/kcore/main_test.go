package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kcore.jsonc")
	cfg := `{
		// small machine
		"num_cores": 2,
		"cache": {"num_buffers": 8, "num_buckets": 3, "block_size": 512},
		"memory": {"kernel_end": 2147483648, "phys_top": 2147745792, "steal_batch": 8},
	}`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestRun_Usage(t *testing.T) {
	var out, errb bytes.Buffer
	assert.Equal(t, exitError, run(t.Context(), &out, &errb, nil))
	assert.Contains(t, errb.String(), "Usage: kcore <command>")

	errb.Reset()
	assert.Equal(t, exitOK, run(t.Context(), &out, &errb, []string{"--help"}))
	assert.Contains(t, errb.String(), "bench [flags]")
	assert.Contains(t, errb.String(), "shell [flags]")

	errb.Reset()
	assert.Equal(t, exitError, run(t.Context(), &out, &errb, []string{"frobnicate"}))
	assert.Contains(t, errb.String(), `unknown command "frobnicate"`)
}

func TestRun_CommandHelp(t *testing.T) {
	var out, errb bytes.Buffer
	assert.Equal(t, exitOK, run(t.Context(), &out, &errb, []string{"bench", "--help"}))
	assert.Contains(t, out.String(), "Usage: kcore bench [flags]")
	assert.Contains(t, out.String(), "--metrics-addr")

	out.Reset()
	assert.Equal(t, exitError, run(t.Context(), &out, &errb, []string{"bench", "--no-such-flag"}))
	assert.Contains(t, errb.String(), "error:")
}

func TestBench_Report(t *testing.T) {
	report := filepath.Join(t.TempDir(), "report.json")
	var out, errb bytes.Buffer

	code := run(t.Context(), &out, &errb, []string{
		"bench",
		"--config", writeTestConfig(t),
		"--device", "local:" + t.TempDir(),
		"--compression", "lz4",
		"--blocks", "32",
		"--ops", "50",
		"--workers", "3",
		"--hold", "2",
		"--report", report,
	})
	require.Equal(t, exitOK, code, errb.String())
	assert.Contains(t, out.String(), "audit:          ok")

	data, err := os.ReadFile(report)
	require.NoError(t, err)

	var rep benchReport
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, int64(150), rep.Ops)
	assert.Equal(t, 3, rep.Workers)
	assert.Equal(t, "ok", rep.Audit)
	assert.Equal(t, 2, rep.Config.NumCores)
	assert.Equal(t, int64(150), rep.Metrics.CacheHits+rep.Metrics.CacheMisses)
	// Every held frame is returned before the audit.
	assert.Equal(t, 64, rep.Stats.Memory.Free)
}

func TestBench_FileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	var out, errb bytes.Buffer

	code := run(t.Context(), &out, &errb, []string{
		"bench",
		"-c", writeTestConfig(t),
		"-d", "file:" + path,
		"--blocks", "16",
		"-n", "20",
		"--write-pct", "100",
	})
	require.Equal(t, exitOK, code, errb.String())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, fi.Size())
}

func TestBench_InvalidFlags(t *testing.T) {
	for _, args := range [][]string{
		{"bench", "--write-pct", "101"},
		{"bench", "--hold", "-1"},
		{"bench", "--device", "ftp://host/x"},
		{"bench", "--compression", "brotli"},
		{"bench", "--log-level", "loud"},
		{"bench", "--cores", "2", "--workers", "31"},
	} {
		var out, errb bytes.Buffer
		assert.Equal(t, exitError, run(t.Context(), &out, &errb, args), "args %v", args)
	}
}
