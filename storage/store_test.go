package storage

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersink/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "local.parquet")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestFileChecksum(t *testing.T) {
	p := writeFile(t, "123456789")
	crc, size, err := FileChecksum(p)
	require.NoError(t, err)
	// CRC-32C check value for "123456789".
	assert.Equal(t, uint32(0xE3069283), crc)
	assert.Equal(t, int64(9), size)
}

func TestFilesystemStoreCopyStatDelete(t *testing.T) {
	store, err := NewFilesystemStore(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)

	local := writeFile(t, "ledger bytes")
	crc, size, err := FileChecksum(local)
	require.NoError(t, err)

	key := "migration=1/year=2024/month=01/day=02/events-x.parquet"
	require.NoError(t, store.Copy(context.Background(), local, key, crc))

	info, err := store.Stat(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, size, info.Size)
	assert.Equal(t, crc, info.CRC32C)
	assert.True(t, info.HasCRC)

	entries, err := os.ReadDir(filepath.Dir(store.path(key)))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, store.Delete(context.Background(), key))
	_, err = store.Stat(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(context.Background(), key))
}

func TestFilesystemStoreCopyHonoursContext(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err = store.Copy(ctx, writeFile(t, "data"), "a/b", 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestParseDescribe(t *testing.T) {
	raw := make([]byte, 4)
	want := crc32.Checksum([]byte("abc"), castagnoli)
	binary.BigEndian.PutUint32(raw, want)

	info, err := parseDescribe([]byte(`{"name":"x","size":"3","crc32c_hash":"` + base64.StdEncoding.EncodeToString(raw) + `"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, want, info.CRC32C)
	assert.True(t, info.HasCRC)

	info, err = parseDescribe([]byte(`{"size":42}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Size)
	assert.False(t, info.HasCRC)

	_, err = parseDescribe([]byte(`{"size":"3","crc32c_hash":"!!"}`))
	assert.Error(t, err)
}

func TestCommandStoreRunsCLI(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := filepath.Join(dir, "fake-gcloud")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" >> "+logPath+"\n"), 0755))

	store := NewCommandStore(script, "bucket", "ledger")
	require.NoError(t, store.Copy(context.Background(), "/tmp/f.pb.zst", "migration=0/f.pb.zst", 0))
	require.NoError(t, store.Delete(context.Background(), "migration=0/f.pb.zst"))

	calls, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t,
		"storage cp /tmp/f.pb.zst gs://bucket/ledger/migration=0/f.pb.zst\n"+
			"storage rm gs://bucket/ledger/migration=0/f.pb.zst\n",
		string(calls))
}

func TestCommandStoreReportsFailure(t *testing.T) {
	store := NewCommandStore("false", "bucket", "")
	err := store.Copy(context.Background(), "/tmp/x", "x", 0)
	assert.Error(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New(context.Background(), config.StorageConfig{Backend: "filesystem", Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "filesystem", s.Name())

	s, err = New(context.Background(), config.StorageConfig{Backend: "command", Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "command", s.Name())

	_, err = New(context.Background(), config.StorageConfig{Backend: "s3"})
	assert.Error(t, err)
}
