package artifact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/minio/minio-go/v7"
)

type putCall struct {
	bucket, key, contentType string
	body                     string
}

type fakeObjectStore struct {
	buckets map[string]bool
	puts    []putCall
	putErr  error
}

func (f *fakeObjectStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeObjectStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjectStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.puts = append(f.puts, putCall{bucket: bucket, key: key, contentType: opts.ContentType, body: string(body)})
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMinioArchiverCreatesBucket(t *testing.T) {
	fs := &fakeObjectStore{buckets: map[string]bool{}}
	if _, err := newMinioArchiver(context.Background(), fs, Config{Bucket: "agentrun"}, discardLogger()); err != nil {
		t.Fatalf("newMinioArchiver: %v", err)
	}
	if !fs.buckets["agentrun"] {
		t.Error("bucket not created")
	}
}

func TestArchive(t *testing.T) {
	fs := &fakeObjectStore{buckets: map[string]bool{"agentrun": true}}
	a, err := newMinioArchiver(context.Background(), fs, Config{Bucket: "agentrun"}, discardLogger())
	if err != nil {
		t.Fatalf("newMinioArchiver: %v", err)
	}

	art, err := a.Archive(context.Background(), "exec-1", LogsName, LogsContentType, []byte("hello"))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if art.StorageKey != "executions/exec-1/logs.txt" {
		t.Errorf("StorageKey = %q", art.StorageKey)
	}
	if art.SizeBytes != 5 {
		t.Errorf("SizeBytes = %d, want 5", art.SizeBytes)
	}
	if art.ExecutionID != "exec-1" || art.Name != LogsName || art.ID == "" {
		t.Errorf("artifact = %+v", art)
	}
	if len(fs.puts) != 1 || fs.puts[0].body != "hello" || fs.puts[0].contentType != LogsContentType {
		t.Errorf("puts = %+v", fs.puts)
	}
}

func TestArchiveUploadError(t *testing.T) {
	fs := &fakeObjectStore{buckets: map[string]bool{"agentrun": true}, putErr: errors.New("access denied")}
	a, err := newMinioArchiver(context.Background(), fs, Config{Bucket: "agentrun"}, discardLogger())
	if err != nil {
		t.Fatalf("newMinioArchiver: %v", err)
	}
	if _, err := a.Archive(context.Background(), "exec-1", LogsName, LogsContentType, nil); err == nil {
		t.Error("Archive error = nil, want upload error")
	}
}
