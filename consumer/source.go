package consumer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"ledgersink/logger"
	"ledgersink/types"
)

// Source yields record batches until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (types.Batch, error)
}

// DecodeRecords parses a JSON object or array of objects. Numbers are kept as json.Number so
// large offsets and micros survive.
func DecodeRecords(data []byte) ([]types.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if data[0] == '[' {
		var records []types.Record
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("failed to decode record array: %w", err)
		}
		return records, nil
	}
	var rec types.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return []types.Record{rec}, nil
}

// NDJSONSource reads one record per line from a stream.
type NDJSONSource struct {
	kind      types.RecordKind
	scanner   *bufio.Scanner
	batchSize int
	line      int
	log       *logger.Logger
}

func NewNDJSONSource(r io.Reader, kind types.RecordKind, batchSize int) *NDJSONSource {
	if batchSize <= 0 {
		batchSize = 1000
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	return &NDJSONSource{
		kind:      kind,
		scanner:   sc,
		batchSize: batchSize,
		log:       logger.L(),
	}
}

// Next returns up to batchSize records. Undecodable lines are logged and skipped.
func (s *NDJSONSource) Next(ctx context.Context) (types.Batch, error) {
	batch := types.Batch{Kind: s.kind}
	for len(batch.Records) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return batch, fmt.Errorf("failed to read input: %w", err)
			}
			if len(batch.Records) == 0 {
				return batch, io.EOF
			}
			return batch, nil
		}
		s.line++
		records, err := DecodeRecords(s.scanner.Bytes())
		if err != nil {
			s.log.Warn("Skipping undecodable input line", map[string]interface{}{
				"line":  s.line,
				"error": err.Error(),
			})
			continue
		}
		batch.Records = append(batch.Records, records...)
	}
	return batch, nil
}
