package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"strconv"
	"strings"
)

// CommandStore shells out to the gcloud CLI. It is the fallback for hosts where only the
// CLI is authenticated.
type CommandStore struct {
	command string
	bucket  string
	prefix  string
}

func NewCommandStore(command, bucket, prefix string) *CommandStore {
	if command == "" {
		command = "gcloud"
	}
	return &CommandStore{command: command, bucket: bucket, prefix: prefix}
}

func (s *CommandStore) Name() string { return "command" }

func (s *CommandStore) url(remotePath string) string {
	return "gs://" + path.Join(s.bucket, s.prefix, remotePath)
}

func (s *CommandStore) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", s.command, args[0], ctxErr)
		}
		return nil, fmt.Errorf("%s %s: %w: %s", s.command, strings.Join(args[:2], " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (s *CommandStore) Copy(ctx context.Context, localPath, remotePath string, crc uint32) error {
	_, err := s.run(ctx, "storage", "cp", localPath, s.url(remotePath))
	return err
}

func (s *CommandStore) Stat(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	out, err := s.run(ctx, "storage", "objects", "describe", s.url(remotePath), "--format=json")
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return nil, err
	}
	return parseDescribe(out)
}

func (s *CommandStore) Delete(ctx context.Context, remotePath string) error {
	_, err := s.run(ctx, "storage", "rm", s.url(remotePath))
	if err != nil && strings.Contains(err.Error(), "NotFound") {
		return nil
	}
	return err
}

// parseDescribe reads the size and base64 big-endian crc32c from `objects describe` JSON.
func parseDescribe(out []byte) (*ObjectInfo, error) {
	var desc struct {
		Size   json.RawMessage `json:"size"`
		CRC32C string          `json:"crc32c_hash"`
	}
	if err := json.Unmarshal(out, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse object description: %w", err)
	}

	sizeText := strings.Trim(string(desc.Size), `"`)
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid object size %q: %w", sizeText, err)
	}
	info := &ObjectInfo{Size: size}

	if desc.CRC32C != "" {
		raw, err := base64.StdEncoding.DecodeString(desc.CRC32C)
		if err != nil || len(raw) != 4 {
			return nil, fmt.Errorf("invalid crc32c %q", desc.CRC32C)
		}
		info.CRC32C = binary.BigEndian.Uint32(raw)
		info.HasCRC = true
	}
	return info, nil
}
