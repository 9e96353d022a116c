// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

/*
s3.go - S3-Compatible Object Storage Backends

One implementation serves both remote providers:

	R2: endpoint https://{account_id}.r2.cloudflarestorage.com, region "auto"
	B2: endpoint https://s3.{region}.backblazeb2.com

Remote calls run through a circuit breaker so a misbehaving provider fails
fast instead of stalling every pipeline; an open breaker degrades the
operation to the usual boolean-false outcome, which the orchestrator treats
as reduced redundancy.
*/

//nolint:staticcheck // File documentation, not package doc
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/custodius/internal/logging"
)

// uploaderTag identifies Custodius-written objects in object metadata.
const uploaderTag = "custodius"

// s3API is the slice of the S3 client the backend uses; it exists so tests
// can substitute a fake.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend implements Backend over any S3-compatible provider.
type S3Backend struct {
	name    string
	bucket  string
	quota   int64
	client  s3API
	breaker *gobreaker.CircuitBreaker[any]
}

// NewR2 creates the Cloudflare R2 backend.
func NewR2(cfg S3Config) *S3Backend {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	return newS3Backend(NameR2, cfg, endpoint, "auto")
}

// NewB2 creates the Backblaze B2 backend.
func NewB2(cfg S3Config) *S3Backend {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.backblazeb2.com", cfg.Region)
	}
	return newS3Backend(NameB2, cfg, endpoint, cfg.Region)
}

func newS3Backend(name string, cfg S3Config, endpoint, region string) *S3Backend {
	awsCfg := aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return newS3BackendWithClient(name, cfg.Bucket, cfg.QuotaBytes, client)
}

// newS3BackendWithClient wires an explicit client; used by tests.
func newS3BackendWithClient(name, bucket string, quota int64, client s3API) *S3Backend {
	return &S3Backend{
		name:   name,
		bucket: bucket,
		quota:  quota,
		client: client,
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "storage-" + name,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(cbName string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", cbName).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Storage circuit breaker state change")
			},
		}),
	}
}

// Name implements Backend.
func (b *S3Backend) Name() string { return b.name }

func (b *S3Backend) execute(op, remotePath string, fn func() error) bool {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	recordOp(b.name, op, err == nil)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("backend", b.name).
			Str("op", op).
			Str("remote_path", remotePath).
			Msg("Storage operation failed")
		return false
	}
	logging.Debug().
		Str("backend", b.name).
		Str("op", op).
		Str("remote_path", remotePath).
		Msg("Storage operation complete")
	return true
}

// Upload implements Backend.
func (b *S3Backend) Upload(ctx context.Context, localPath, remotePath string) bool {
	return b.execute("upload", remotePath, func() error {
		f, err := os.Open(localPath) //nolint:gosec // G304: path comes from pipeline-owned temp dirs
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer f.Close() //nolint:errcheck // Best effort cleanup

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", localPath, err)
		}

		_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(path.Clean(remotePath)),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			Metadata:      map[string]string{"uploaded-by": uploaderTag},
		})
		return err
	})
}

// Download implements Backend.
func (b *S3Backend) Download(ctx context.Context, remotePath, localPath string) bool {
	return b.execute("download", remotePath, func() error {
		if dir := path.Dir(localPath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}

		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(path.Clean(remotePath)),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close() //nolint:errcheck // Best effort cleanup

		f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: pipeline-owned path
		if err != nil {
			return fmt.Errorf("create %s: %w", localPath, err)
		}

		buf := make([]byte, 1<<20)
		if _, err := io.CopyBuffer(f, out.Body, buf); err != nil {
			f.Close()           //nolint:errcheck // Best effort cleanup on error
			os.Remove(localPath) //nolint:errcheck // Best effort cleanup on error
			return fmt.Errorf("write %s: %w", localPath, err)
		}
		return f.Close()
	})
}

// Exists implements Backend.
func (b *S3Backend) Exists(ctx context.Context, remotePath string) bool {
	_, err := b.breaker.Execute(func() (any, error) {
		return b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(path.Clean(remotePath)),
		})
	})
	return err == nil
}

// Delete implements Backend. S3 DeleteObject succeeds for absent keys, so
// deletion is naturally idempotent.
func (b *S3Backend) Delete(ctx context.Context, remotePath string) bool {
	return b.execute("delete", remotePath, func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(path.Clean(remotePath)),
		})
		return err
	})
}

// GetSize implements Backend.
func (b *S3Backend) GetSize(ctx context.Context, remotePath string) (int64, bool) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(path.Clean(remotePath)),
		})
	})
	if err != nil {
		return 0, false
	}
	head, ok := out.(*s3.HeadObjectOutput)
	if !ok || head.ContentLength == nil {
		return 0, false
	}
	return *head.ContentLength, true
}

// GetStorageUsage implements Backend. Consumption comes from a full bucket
// listing; capacity is the operator-configured quota. Without a quota the
// backend cannot report usage.
func (b *S3Backend) GetStorageUsage(ctx context.Context) (Usage, bool) {
	if b.quota <= 0 {
		return Usage{}, false
	}

	var used int64
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			logging.Warn().Err(err).Str("backend", b.name).Msg("Bucket listing for usage failed")
			return Usage{}, false
		}
		for _, obj := range out.Contents {
			if obj.Size != nil {
				used += *obj.Size
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	return Usage{
		TotalBytes:     b.quota,
		UsedBytes:      used,
		AvailableBytes: b.quota - used,
	}, true
}
