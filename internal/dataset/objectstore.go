package dataset

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig holds the S3-compatible object store settings for
// retained datasets and encrypted blobs.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioFetcher fetches objects from an S3-compatible store.
type MinioFetcher struct {
	client *minio.Client
	bucket string
}

var _ ObjectFetcher = (*MinioFetcher)(nil)

// NewMinioFetcher connects to the configured object store.
func NewMinioFetcher(cfg ObjectStoreConfig) (*MinioFetcher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	return &MinioFetcher{client: client, bucket: cfg.Bucket}, nil
}

// Fetch reads the whole object at key.
func (f *MinioFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := f.client.GetObject(ctx, f.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return nil, fmt.Errorf("stat object: %w", err)
	}
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return b, nil
}
