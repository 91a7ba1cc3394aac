// Package storage holds the remote object stores finished files are uploaded to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"ledgersink/config"
)

// ErrNotFound is returned by Stat when the remote object does not exist.
var ErrNotFound = errors.New("remote object not found")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ObjectInfo is what a store reports about an uploaded object.
type ObjectInfo struct {
	Size   int64
	CRC32C uint32
	// HasCRC is false when the backend does not report a checksum.
	HasCRC bool
}

// RemoteStore copies local files to durable storage under slash separated keys.
type RemoteStore interface {
	Name() string
	Copy(ctx context.Context, localPath, remotePath string, crc uint32) error
	Stat(ctx context.Context, remotePath string) (*ObjectInfo, error)
	Delete(ctx context.Context, remotePath string) error
}

// FileChecksum returns the CRC32C and size of a local file.
func FileChecksum(path string) (uint32, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return ReaderChecksum(f)
}

func ReaderChecksum(r io.Reader) (uint32, int64, error) {
	h := crc32.New(castagnoli)
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, n, fmt.Errorf("failed to checksum: %w", err)
	}
	return h.Sum32(), n, nil
}

// New builds the store selected by the storage configuration.
func New(ctx context.Context, cfg config.StorageConfig) (RemoteStore, error) {
	switch cfg.Backend {
	case "", "filesystem":
		return NewFilesystemStore(cfg.Root)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	case "command":
		return NewCommandStore(cfg.Command, cfg.Bucket, cfg.Prefix), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
