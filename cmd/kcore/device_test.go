package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kcore/device"
	"github.com/hupe1980/kcore/internal/codec"
)

func TestParseDeviceSpec(t *testing.T) {
	tests := []struct {
		in   string
		want deviceSpec
	}{
		{"mem", deviceSpec{Scheme: "mem"}},
		{"file:/tmp/disk.img", deviceSpec{Scheme: "file", Path: "/tmp/disk.img"}},
		{"local:./blocks", deviceSpec{Scheme: "local", Path: "./blocks"}},
		{"s3://my-bucket", deviceSpec{Scheme: "s3", Bucket: "my-bucket"}},
		{"s3://my-bucket/disks/one", deviceSpec{Scheme: "s3", Bucket: "my-bucket", Prefix: "disks/one/"}},
		{"dynamodb://blocks/dev1/", deviceSpec{Scheme: "dynamodb", Bucket: "blocks", Prefix: "dev1/"}},
		{"minio://localhost:9000/kcore", deviceSpec{Scheme: "minio", Host: "localhost:9000", Bucket: "kcore"}},
		{"minio://localhost:9000/kcore/dev1", deviceSpec{Scheme: "minio", Host: "localhost:9000", Bucket: "kcore", Prefix: "dev1/"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDeviceSpec(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDeviceSpec_Errors(t *testing.T) {
	for _, in := range []string{"", "disk", "file:", "local:", "ftp://host/x", "minio://localhost:9000", "s3:///prefix"} {
		_, err := parseDeviceSpec(in)
		assert.Error(t, err, in)
	}
}

func TestOpenDevice(t *testing.T) {
	ctx := t.Context()

	mem, err := openDevice(ctx, deviceSpec{Scheme: "mem"}, 512, 8, deviceOptions{})
	require.NoError(t, err)
	assert.IsType(t, &device.Memory{}, mem)
	assert.Equal(t, uint32(8), mem.NumBlocks())

	file, err := openDevice(ctx, deviceSpec{Scheme: "file", Path: filepath.Join(t.TempDir(), "d.img")}, 512, 8, deviceOptions{sync: true})
	require.NoError(t, err)
	assert.IsType(t, &device.File{}, file)
	require.NoError(t, file.Close())

	local, err := openDevice(ctx, deviceSpec{Scheme: "local", Path: t.TempDir()}, 512, 8, deviceOptions{compression: codec.ZSTD})
	require.NoError(t, err)
	assert.IsType(t, &device.Blob{}, local)

	p := make([]byte, 512)
	copy(p, "hello")
	require.NoError(t, local.WriteBlock(ctx, 3, p))
	q := make([]byte, 512)
	require.NoError(t, local.ReadBlock(ctx, 3, q))
	assert.Equal(t, p, q)

	_, err = openDevice(ctx, deviceSpec{Scheme: "tape"}, 512, 8, deviceOptions{})
	assert.Error(t, err)
}
