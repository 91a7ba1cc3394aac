package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	gcs "cloud.google.com/go/storage"
)

// GCSStore uploads to a Google Cloud Storage bucket with the client library.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs store needs a bucket")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) Name() string { return "gcs" }

func (s *GCSStore) object(remotePath string) *gcs.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path.Join(s.prefix, remotePath))
}

// Copy sends the local CRC32C with the upload; GCS rejects the write on mismatch.
func (s *GCSStore) Copy(ctx context.Context, localPath, remotePath string, crc uint32) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	w := s.object(remotePath).NewWriter(ctx)
	w.CRC32C = crc
	w.SendCRC32C = true
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", s.bucket, path.Join(s.prefix, remotePath), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, path.Join(s.prefix, remotePath), err)
	}
	return nil
}

func (s *GCSStore) Stat(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	attrs, err := s.object(remotePath).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return nil, fmt.Errorf("stat gs://%s/%s: %w", s.bucket, path.Join(s.prefix, remotePath), err)
	}
	return &ObjectInfo{Size: attrs.Size, CRC32C: attrs.CRC32C, HasCRC: true}, nil
}

func (s *GCSStore) Delete(ctx context.Context, remotePath string) error {
	err := s.object(remotePath).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", s.bucket, path.Join(s.prefix, remotePath), err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
