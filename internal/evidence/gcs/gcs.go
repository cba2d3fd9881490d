// Package gcs stores evidence in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the destination bucket.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// Store uploads evidence objects to GCS.
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed evidence store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Dial opens a storage client with default credentials and wraps it.
func Dial(ctx context.Context, cfg Config) (*Store, func() error, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	s, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return s, client.Close, nil
}

// Put uploads r and returns a gs:// URI.
func (s *Store) Put(ctx context.Context, objectPath, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("path is required")
	}
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload evidence: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("upload evidence: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize evidence upload: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}
