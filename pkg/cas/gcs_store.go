//go:build gcp

package cas

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore is a Google Cloud Storage backed blob store, usable directly or as
// a replica target.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed blob store using application default
// credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cas: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) key(h Hash) string {
	return s.prefix + h.Hex()
}

// PutBlob implements Store.
func (s *GCSStore) PutBlob(ctx context.Context, data []byte) (Hash, error) {
	h := Sum(data)
	obj := s.client.Bucket(s.bucket).Object(s.key(h))
	if _, err := obj.Attrs(ctx); err == nil {
		return h, nil
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Hash{}, fmt.Errorf("cas: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return Hash{}, fmt.Errorf("cas: gcs commit: %w", err)
	}
	return h, nil
}

// GetBlob implements Store.
func (s *GCSStore) GetBlob(ctx context.Context, h Hash) ([]byte, error) {
	if h.IsZero() {
		return nil, ErrZeroHash
	}
	r, err := s.client.Bucket(s.bucket).Object(s.key(h)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, fmt.Errorf("cas: gcs read: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cas: gcs read: %w", err)
	}
	if Sum(data) != h {
		return nil, fmt.Errorf("%w: %s", ErrCorruption, h)
	}
	return data, nil
}

// Has implements Store.
func (s *GCSStore) Has(ctx context.Context, h Hash) bool {
	_, err := s.client.Bucket(s.bucket).Object(s.key(h)).Attrs(ctx)
	return err == nil
}
