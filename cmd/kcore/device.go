package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/kcore/blobstore"
	"github.com/hupe1980/kcore/blobstore/ddb"
	minioblob "github.com/hupe1980/kcore/blobstore/minio"
	s3blob "github.com/hupe1980/kcore/blobstore/s3"
	"github.com/hupe1980/kcore/device"
	"github.com/hupe1980/kcore/internal/codec"
)

// deviceSpec is a parsed --device value.
type deviceSpec struct {
	Scheme string // mem, file, local, s3, minio, dynamodb
	Path   string // file path or local directory
	Host   string // minio endpoint
	Bucket string // bucket or table
	Prefix string
}

func parseDeviceSpec(s string) (deviceSpec, error) {
	switch {
	case s == "mem":
		return deviceSpec{Scheme: "mem"}, nil
	case strings.HasPrefix(s, "file:"):
		p := strings.TrimPrefix(s, "file:")
		if p == "" {
			return deviceSpec{}, fmt.Errorf("device %q: missing path", s)
		}
		return deviceSpec{Scheme: "file", Path: p}, nil
	case strings.HasPrefix(s, "local:"):
		p := strings.TrimPrefix(s, "local:")
		if p == "" {
			return deviceSpec{}, fmt.Errorf("device %q: missing directory", s)
		}
		return deviceSpec{Scheme: "local", Path: p}, nil
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return deviceSpec{}, fmt.Errorf("device %q: unrecognized spec", s)
	}
	path := strings.Trim(u.Path, "/")

	switch u.Scheme {
	case "s3", "dynamodb":
		return deviceSpec{Scheme: u.Scheme, Bucket: u.Host, Prefix: prefixOf(path)}, nil
	case "minio":
		bucket, rest, _ := strings.Cut(path, "/")
		if bucket == "" {
			return deviceSpec{}, fmt.Errorf("device %q: missing bucket", s)
		}
		return deviceSpec{Scheme: "minio", Host: u.Host, Bucket: bucket, Prefix: prefixOf(rest)}, nil
	default:
		return deviceSpec{}, fmt.Errorf("device %q: unknown scheme %q", s, u.Scheme)
	}
}

func prefixOf(p string) string {
	if p == "" {
		return ""
	}
	return p + "/"
}

type deviceOptions struct {
	compression codec.Compression
	sync        bool
	minioSecure bool
}

// openDevice creates the block device described by spec.
func openDevice(ctx context.Context, spec deviceSpec, blockSize int, blocks uint32, opts deviceOptions) (device.BlockDevice, error) {
	var store blobstore.Store

	switch spec.Scheme {
	case "mem":
		return device.NewMemory(blockSize, blocks), nil
	case "file":
		var fopts []device.FileOption
		if opts.sync {
			fopts = append(fopts, device.WithSync())
		}
		f, err := device.OpenFile(spec.Path, blockSize, blocks, fopts...)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "local":
		s, err := blobstore.NewLocalStore(spec.Path)
		if err != nil {
			return nil, err
		}
		store = s
	case "s3":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		store = s3blob.NewStore(awss3.NewFromConfig(cfg), spec.Bucket, spec.Prefix)
	case "dynamodb":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		store = ddb.NewStore(dynamodb.NewFromConfig(cfg), spec.Bucket, spec.Prefix)
	case "minio":
		client, err := minio.New(spec.Host, &minio.Options{
			Creds:  credentials.NewEnvMinio(),
			Secure: opts.minioSecure,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		store = minioblob.NewStore(client, spec.Bucket, spec.Prefix)
	default:
		return nil, fmt.Errorf("unknown device scheme %q", spec.Scheme)
	}

	return device.NewBlob(store, blockSize, blocks, device.WithCompression(opts.compression)), nil
}
