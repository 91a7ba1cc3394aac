package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilesystemStore writes objects below a root directory, typically a mounted volume.
type FilesystemStore struct {
	root string
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem store needs a root directory")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) Name() string { return "filesystem" }

func (s *FilesystemStore) path(remotePath string) string {
	return filepath.Join(s.root, filepath.FromSlash(remotePath))
}

// Copy writes to a temporary file next to the destination and renames it into place.
func (s *FilesystemStore) Copy(ctx context.Context, localPath, remotePath string, crc uint32) error {
	dst := s.path(remotePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to publish object: %w", err)
	}
	return nil
}

func (s *FilesystemStore) Stat(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	f, err := os.Open(s.path(remotePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return nil, err
	}
	defer f.Close()

	crc, size, err := ReaderChecksum(&ctxReader{ctx: ctx, r: f})
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{Size: size, CRC32C: crc, HasCRC: true}, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, remotePath string) error {
	if err := os.Remove(s.path(remotePath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ctxReader stops a long copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
