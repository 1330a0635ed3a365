// Package gcs writes page snapshots to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the bucket and an optional object prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// BlobStore uploads listing snapshots as single-shot objects.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		bucket: client.Bucket(bucket),
		name:   bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject uploads data and returns its gs:// URI. Snapshots are small, so
// the writer sends the whole body in one request.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	objectPath = strings.TrimLeft(strings.TrimSpace(objectPath), "/")
	if objectPath == "" {
		return "", errors.New("path is required")
	}
	if s.prefix != "" {
		objectPath = path.Join(s.prefix, objectPath)
	}

	w := s.bucket.Object(objectPath).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload object %s: %w", objectPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.name, objectPath), nil
}
