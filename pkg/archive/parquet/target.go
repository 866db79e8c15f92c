// Package parquet provides the remote targets the historian's RemoteSync
// mirrors sealed Local Store files to: a plain directory for local
// fixtures/tests, and an S3-compatible object store for production.
package parquet

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lithos-systems/petra/internal/perr"
)

// ParquetTarget abstracts the destination a sealed local store file is
// mirrored to. RemoteSync uses the same interface for every sink, widened
// with a name and a liveness check so it can report subsystem health.
type ParquetTarget interface {
	WriteFile(name string, data []byte) error
	Name() string
	HealthCheck(ctx context.Context) error
}

// FileTarget mirrors sealed files into another local directory. Mostly
// useful for tests and single-host deployments with no object store.
type FileTarget struct {
	path string
}

// NewFileTarget constructs a FileTarget rooted at path, creating it if
// necessary.
func NewFileTarget(path string) (*FileTarget, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, perr.IO("parquet.NewFileTarget", fmt.Errorf("create target directory %s: %w", path, err))
	}
	return &FileTarget{path: path}, nil
}

// WriteFile writes data under name inside the target directory.
func (ft *FileTarget) WriteFile(name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(ft.path, name), data, 0o640); err != nil {
		return perr.IO("parquet.FileTarget.WriteFile", err)
	}
	return nil
}

// Name identifies this target in logs and the status API.
func (ft *FileTarget) Name() string { return "file:" + ft.path }

// HealthCheck reports whether the target directory is still reachable.
func (ft *FileTarget) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(ft.path); err != nil {
		return perr.IO("parquet.FileTarget.HealthCheck", err)
	}
	return nil
}

// S3TargetConfig configures an S3Target.
type S3TargetConfig struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	UsePathStyle bool
}

// S3Target mirrors sealed files to an S3-compatible bucket, one object per
// file named after the local store's own filename.
type S3Target struct {
	client *s3.Client
	bucket string
}

// NewS3Target constructs an S3Target from cfg, resolving credentials the
// same way the aws-sdk-go-v2 default config chain would (env, shared
// config, instance role) with cfg's static keys layered on top when set.
func NewS3Target(cfg S3TargetConfig) (*S3Target, error) {
	if cfg.Bucket == "" {
		return nil, perr.Config("parquet.NewS3Target", fmt.Errorf("empty bucket name"))
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, perr.Config("parquet.NewS3Target", fmt.Errorf("load aws config: %w", err))
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	client := s3.NewFromConfig(awsCfg, opts)
	return &S3Target{client: client, bucket: cfg.Bucket}, nil
}

// WriteFile uploads data as an S3 object named name in the configured
// bucket.
func (st *S3Target) WriteFile(name string, data []byte) error {
	_, err := st.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      aws.String(st.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return perr.IO("parquet.S3Target.WriteFile", fmt.Errorf("put object %q: %w", name, err))
	}
	return nil
}

// Name identifies this target in logs and the status API.
func (st *S3Target) Name() string { return "s3:" + st.bucket }

// HealthCheck reports whether the configured bucket is reachable.
func (st *S3Target) HealthCheck(ctx context.Context) error {
	if _, err := st.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(st.bucket)}); err != nil {
		return perr.IO("parquet.S3Target.HealthCheck", fmt.Errorf("head bucket %q: %w", st.bucket, err))
	}
	return nil
}
