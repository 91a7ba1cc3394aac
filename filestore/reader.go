package filestore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"ledgersink/proto"
	"ledgersink/types"
)

// maxFrameSize bounds a single frame; anything larger is treated as corruption.
const maxFrameSize = 256 << 20

// ErrCorruptFrame is returned for truncated or oversized frames.
var ErrCorruptFrame = errors.New("corrupt frame")

// ChunkReader iterates the frames of a binary chunked file in order.
type ChunkReader struct {
	r      *bufio.Reader
	codec  Codec
	schema *proto.Schema
	frame  int
}

func NewChunkReader(r io.Reader, codec Codec, kind types.RecordKind) (*ChunkReader, error) {
	schema, err := proto.SchemaFor(kind)
	if err != nil {
		return nil, err
	}
	return &ChunkReader{
		r:      bufio.NewReaderSize(r, BufferSize),
		codec:  codec,
		schema: schema,
	}, nil
}

// NextFrame returns the next compressed payload, or io.EOF after the last frame.
func (c *ChunkReader) NextFrame() ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: frame %d header: %v", ErrCorruptFrame, c.frame, err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: frame %d length %d exceeds limit", ErrCorruptFrame, c.frame, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("%w: frame %d payload: %v", ErrCorruptFrame, c.frame, err)
	}
	c.frame++
	return payload, nil
}

// Next decodes the records of the next frame, or returns io.EOF.
func (c *ChunkReader) Next() ([]types.Record, error) {
	payload, err := c.NextFrame()
	if err != nil {
		return nil, err
	}
	raw, err := c.codec.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", c.frame-1, err)
	}
	_, msgs, err := proto.UnmarshalBatch(raw)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", c.frame-1, err)
	}
	records := make([]types.Record, 0, len(msgs))
	for i, msg := range msgs {
		rec, err := c.schema.Unmarshal(msg)
		if err != nil {
			return nil, fmt.Errorf("frame %d record %d: %w", c.frame-1, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadAll decodes every record of a binary chunked file in file order.
func ReadAll(path string, codec Codec, kind types.RecordKind) ([]types.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open binary file: %w", err)
	}
	defer file.Close()

	reader, err := NewChunkReader(file, codec, kind)
	if err != nil {
		return nil, err
	}
	var out []types.Record
	for {
		records, err := reader.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
}
