package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"ledgersink/logger"
	"ledgersink/types"
)

// DeadLetterLog is the append-only JSON lines file of failed uploads. Appends and rewrites
// are serialized by the log's mutex.
type DeadLetterLog struct {
	path string
	mu   sync.Mutex
	log  *logger.Logger
}

func NewDeadLetterLog(path string) (*DeadLetterLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	return &DeadLetterLog{path: path, log: logger.L()}, nil
}

func (d *DeadLetterLog) Path() string {
	return d.path
}

// Append durably adds one entry.
func (d *DeadLetterLog) Append(entry types.DeadLetterEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter entry: %w", err)
	}
	line = append(line, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append dead-letter entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync dead-letter log: %w", err)
	}
	return f.Close()
}

// Entries returns every parseable entry in the log.
func (d *DeadLetterLog) Entries() ([]types.DeadLetterEntry, error) {
	entries, _, err := d.snapshot()
	return entries, err
}

// snapshot reads the whole log and returns the byte offset it read up to.
func (d *DeadLetterLog) snapshot() ([]types.DeadLetterEntry, int64, error) {
	d.mu.Lock()
	data, err := os.ReadFile(d.path)
	d.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read dead-letter log: %w", err)
	}
	return d.parse(data), int64(len(data)), nil
}

func (d *DeadLetterLog) parse(data []byte) []types.DeadLetterEntry {
	var entries []types.DeadLetterEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e types.DeadLetterEntry
		if err := json.Unmarshal(line, &e); err != nil {
			d.log.Error("Dropping malformed dead-letter line", map[string]interface{}{
				"path":  d.path,
				"line":  lineNo,
				"error": err.Error(),
			})
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// rewrite atomically replaces the log with keep plus anything appended after offset.
func (d *DeadLetterLog) rewrite(keep []types.DeadLetterEntry, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tail, err := readFrom(d.path, offset)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(d.path), filepath.Base(d.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create dead-letter temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	enc := json.NewEncoder(bw)
	for _, e := range keep {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode dead-letter entry: %w", err)
		}
	}
	if _, err := bw.Write(tail); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write dead-letter tail: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush dead-letter temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync dead-letter temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close dead-letter temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return fmt.Errorf("failed to replace dead-letter log: %w", err)
	}
	return nil
}

func readFrom(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek dead-letter log: %w", err)
	}
	return io.ReadAll(f)
}
