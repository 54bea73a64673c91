// Package artifact archives execution output to S3-compatible object storage.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/agentrun/internal/model"
)

// Well-known artifact names.
const (
	LogsName        = "logs.txt"
	LogsContentType = "text/plain; charset=utf-8"
)

// Archiver stores an artifact and returns its record. The record is not
// persisted; the caller decides whether to keep it.
type Archiver interface {
	Archive(ctx context.Context, executionID, name, contentType string, data []byte) (*model.Artifact, error)
}

// Key returns the object key of an execution artifact.
func Key(executionID, name string) string {
	return path.Join("executions", executionID, name)
}

// Config holds the object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

// objectStore is the subset of *minio.Client used by MinioArchiver.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchiver implements Archiver on any S3-compatible endpoint.
type MinioArchiver struct {
	client objectStore
	bucket string
	region string
	logger *slog.Logger
	now    func() time.Time
}

// NewMinioArchiver creates the client and makes sure the bucket exists.
func NewMinioArchiver(ctx context.Context, cfg Config, logger *slog.Logger) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return newMinioArchiver(ctx, client, cfg, logger)
}

func newMinioArchiver(ctx context.Context, client objectStore, cfg Config, logger *slog.Logger) (*MinioArchiver, error) {
	a := &MinioArchiver{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		logger: logger,
		now:    time.Now,
	}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *MinioArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("artifact bucket created", "bucket", a.bucket)
	return nil
}

// Archive uploads data under executions/<id>/<name>.
func (a *MinioArchiver) Archive(ctx context.Context, executionID, name, contentType string, data []byte) (*model.Artifact, error) {
	key := Key(executionID, name)
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"execution-id": executionID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	return &model.Artifact{
		ID:          model.NewID(),
		ExecutionID: executionID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   info.Size,
		StorageKey:  key,
		CreatedAt:   a.now().UTC(),
	}, nil
}
