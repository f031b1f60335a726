package minio

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
)

// ObjectStorage implements interfaces.ObjectStorage on a MinIO (or any
// S3-compatible) endpoint. All plan artifacts live in a single bucket:
// original PDFs, per-page PDFs and tile pyramids, separated by key prefix.
type ObjectStorage struct {
	client *minio.Client
	bucket string
	logger arbor.ILogger
}

// NewObjectStorage connects to the object store and ensures the bucket exists
func NewObjectStorage(ctx context.Context, cfg *common.MinioConfig, logger arbor.ILogger) (*ObjectStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to object store at %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info().Str("bucket", cfg.Bucket).Msg("Created object store bucket")
	}

	logger.Debug().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Msg("Object store connected")

	return &ObjectStorage{
		client: client,
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

var _ interfaces.ObjectStorage = (*ObjectStorage)(nil)

// Put uploads a blob under the given key
func (s *ObjectStorage) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Get returns a reader for the blob at key. The caller closes it.
func (s *ObjectStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	// GetObject is lazy; surface missing keys now rather than on first read
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return obj, nil
}

// Delete removes the blob at key
func (s *ObjectStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys under the given prefix
func (s *ObjectStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Stat returns size and last-modified time of the blob at key
func (s *ObjectStorage) Stat(ctx context.Context, key string) (int64, time.Time, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return info.Size, info.LastModified, nil
}
