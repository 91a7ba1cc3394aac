// Package archive delivers finished files to remote storage and recovers failed deliveries.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"ledgersink/logger"
	"ledgersink/storage"
	"ledgersink/types"
)

const DefaultTimeout = 120 * time.Second

// UploadRequest describes one file handed to the uploader.
type UploadRequest struct {
	LocalPath   string
	RemotePath  string
	RecordKind  types.RecordKind
	FileKind    types.JobKind
	RecordCount int
	// Recovery marks a redelivery of a dead-lettered file.
	Recovery bool
}

// UploadResult is the outcome of one upload. Err is nil when OK.
type UploadResult struct {
	OK     bool
	Bytes  int64
	CRC32C uint32
	Err    error
}

// UploadObserver is told about every finished upload, successful or not, including
// redeliveries from the dead-letter log.
type UploadObserver interface {
	UploadFinished(ctx context.Context, req UploadRequest, res *UploadResult)
}

// Uploader copies local files to a RemoteStore, verifies them and dead-letters failures.
type Uploader struct {
	store       storage.RemoteStore
	deadLetters *DeadLetterLog
	spoolDir    string
	timeout     time.Duration
	observers   []UploadObserver
	log         *logger.Logger
}

// NewUploader builds an uploader. With an empty spoolDir failed files are not kept and the
// dead-letter entry can only be dropped on reconciliation.
func NewUploader(store storage.RemoteStore, deadLetters *DeadLetterLog, spoolDir string, timeout time.Duration) *Uploader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Uploader{
		store:       store,
		deadLetters: deadLetters,
		spoolDir:    spoolDir,
		timeout:     timeout,
		log:         logger.L(),
	}
}

// AddObserver registers an observer. Not safe to call concurrently with Upload.
func (u *Uploader) AddObserver(o UploadObserver) {
	u.observers = append(u.observers, o)
}

// Upload transfers localPath to remotePath. The local file never survives the call.
func (u *Uploader) Upload(ctx context.Context, localPath, remotePath string) *UploadResult {
	return u.UploadFile(ctx, UploadRequest{LocalPath: localPath, RemotePath: remotePath})
}

func (u *Uploader) UploadFile(ctx context.Context, req UploadRequest) (res *UploadResult) {
	start := time.Now()
	defer u.removeLocal(req.LocalPath)
	defer func() { u.notify(ctx, req, res) }()

	res = u.transfer(ctx, req.LocalPath, req.RemotePath)
	if res.OK {
		u.log.Info("Upload complete", map[string]interface{}{
			"local_path":  req.LocalPath,
			"remote_path": req.RemotePath,
			"store":       u.store.Name(),
			"bytes":       res.Bytes,
			"duration":    time.Since(start).String(),
		})
		return res
	}

	u.log.Error("Upload failed", map[string]interface{}{
		"local_path":  req.LocalPath,
		"remote_path": req.RemotePath,
		"store":       u.store.Name(),
		"error":       res.Err.Error(),
	})
	u.deadLetter(req, res.Err)
	return res
}

// Redeliver retries a dead-lettered file from its backing file. The file and the entry are
// left for the caller to settle.
func (u *Uploader) Redeliver(ctx context.Context, entry types.DeadLetterEntry) *UploadResult {
	req := UploadRequest{
		LocalPath:   entry.BackingFile(),
		RemotePath:  entry.RemotePath,
		RecordKind:  entry.RecordKind,
		FileKind:    entry.FileKind,
		RecordCount: entry.RecordCount,
		Recovery:    true,
	}
	res := u.transfer(ctx, req.LocalPath, req.RemotePath)
	u.notify(ctx, req, res)
	return res
}

func (u *Uploader) notify(ctx context.Context, req UploadRequest, res *UploadResult) {
	for _, o := range u.observers {
		o.UploadFinished(ctx, req, res)
	}
}

// transfer copies the file and checks the remote size and CRC32C against the local file.
func (u *Uploader) transfer(ctx context.Context, localPath, remotePath string) *UploadResult {
	crc, size, err := storage.FileChecksum(localPath)
	if err != nil {
		return &UploadResult{Err: fmt.Errorf("failed to checksum %s: %w", localPath, err)}
	}
	res := &UploadResult{Bytes: size, CRC32C: crc}

	copyCtx, cancel := context.WithTimeout(ctx, u.timeout)
	err = u.store.Copy(copyCtx, localPath, remotePath, crc)
	cancel()
	if err != nil {
		res.Err = fmt.Errorf("copy to %s failed: %w", u.store.Name(), err)
		return res
	}

	statCtx, cancel := context.WithTimeout(ctx, u.timeout)
	info, err := u.store.Stat(statCtx, remotePath)
	cancel()
	if err != nil {
		res.Err = fmt.Errorf("verify on %s failed: %w", u.store.Name(), err)
		return res
	}

	if info.Size != size || (info.HasCRC && info.CRC32C != crc) {
		res.Err = fmt.Errorf("%w: local size=%d crc32c=%08x, remote size=%d crc32c=%08x",
			types.ErrChecksumMismatch, size, crc, info.Size, info.CRC32C)
		delCtx, cancel := context.WithTimeout(ctx, u.timeout)
		if err := u.store.Delete(delCtx, remotePath); err != nil {
			u.log.Warn("Failed to delete mismatched remote object", map[string]interface{}{
				"remote_path": remotePath,
				"error":       err.Error(),
			})
		}
		cancel()
		return res
	}

	res.OK = true
	return res
}

func (u *Uploader) deadLetter(req UploadRequest, uploadErr error) {
	entry := types.DeadLetterEntry{
		LocalPath:   req.LocalPath,
		RemotePath:  req.RemotePath,
		Error:       uploadErr.Error(),
		Timestamp:   time.Now().UTC(),
		RecordKind:  req.RecordKind,
		FileKind:    req.FileKind,
		RecordCount: req.RecordCount,
	}
	if u.spoolDir != "" {
		spool, err := u.spool(req.LocalPath, req.RemotePath)
		if err != nil {
			u.log.Error("Failed to spool undelivered file", map[string]interface{}{
				"local_path": req.LocalPath,
				"error":      err.Error(),
			})
		} else {
			entry.SpoolPath = spool
		}
	}
	if u.deadLetters == nil {
		return
	}
	if err := u.deadLetters.Append(entry); err != nil {
		u.log.Error("Failed to write dead-letter entry", map[string]interface{}{
			"local_path":  req.LocalPath,
			"remote_path": req.RemotePath,
			"error":       err.Error(),
		})
		return
	}
	u.log.Warn("Upload dead-lettered", map[string]interface{}{
		"remote_path": req.RemotePath,
		"spool_path":  entry.SpoolPath,
	})
}

// spool moves the file under the spool dir, keyed by its remote path.
func (u *Uploader) spool(localPath, remotePath string) (string, error) {
	dst := filepath.Join(u.spoolDir, filepath.FromSlash(remotePath))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := os.Rename(localPath, dst); err == nil {
		return dst, nil
	}
	// Rename fails across devices.
	if err := copyFile(localPath, dst); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy to %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return out.Close()
}

func (u *Uploader) removeLocal(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.log.Error("Failed to remove local file", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
}
