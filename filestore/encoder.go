package filestore

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"ledgersink/logger"
	"ledgersink/proto"
	"ledgersink/types"
)

const (
	DefaultChunkSize = 2000
	BufferSize       = 1024 * 1024 // 1MB buffer
	frameHeaderSize  = 4
)

// Encoder writes encode jobs as length-prefixed compressed frames.
type Encoder struct {
	// Codec overrides the job's codec setting when set.
	Codec Codec
	log   *logger.Logger

	create func(path string) (io.WriteCloser, error)
}

func NewEncoder() *Encoder {
	return &Encoder{
		log: logger.L(),
		create: func(path string) (io.WriteCloser, error) {
			return os.Create(path)
		},
	}
}

// Execute encodes job.Records into job.OutputPath. Unmappable records and chunks that fail
// to compress are skipped and logged; any I/O error aborts the job and removes the partial
// file.
func (e *Encoder) Execute(ctx context.Context, job *types.Job) (*types.Result, error) {
	start := time.Now()
	if err := job.Validate(types.JobKindEncode); err != nil {
		return nil, err
	}
	schema, err := proto.SchemaFor(job.RecordKind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidJob, err)
	}
	codec := e.Codec
	if codec == nil {
		codec, err = NewCodec(job.Config.Codec, job.Config.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidJob, err)
		}
	}
	chunkSize := job.Config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := e.create(job.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	result := &types.Result{JobID: job.ID}
	if err := e.writeFrames(file, job, schema, codec, chunkSize, result); err != nil {
		file.Close()
		e.abort(job, err)
		return nil, err
	}
	if err := file.Close(); err != nil {
		err = fmt.Errorf("failed to close output file: %w", err)
		e.abort(job, err)
		return nil, err
	}

	result.Duration = time.Since(start)
	e.log.Debug("Encoded binary file", map[string]interface{}{
		"job_id":          job.ID,
		"path":            job.OutputPath,
		"records":         result.RecordCount,
		"skipped_records": result.SkippedRecords,
		"skipped_chunks":  result.SkippedChunks,
		"frames":          result.Frames,
		"bytes":           result.BytesWritten,
		"codec":           codec.Name(),
	})
	return result, nil
}

func (e *Encoder) writeFrames(w io.Writer, job *types.Job, schema *proto.Schema, codec Codec, chunkSize int, result *types.Result) error {
	bw := bufio.NewWriterSize(w, BufferSize)
	header := make([]byte, frameHeaderSize)

	for start := 0; start < len(job.Records); start += chunkSize {
		end := start + chunkSize
		if end > len(job.Records) {
			end = len(job.Records)
		}
		chunkIndex := start / chunkSize

		encoded := make([][]byte, 0, end-start)
		for i, rec := range job.Records[start:end] {
			msg, err := schema.Map(rec)
			if err != nil {
				result.SkippedRecords++
				e.log.Error("Skipping unmappable record", map[string]interface{}{
					"job_id":       job.ID,
					"record_index": start + i,
					"error":        err.Error(),
				})
				continue
			}
			encoded = append(encoded, msg)
		}
		if len(encoded) == 0 {
			result.SkippedChunks++
			e.log.Error("Skipping empty chunk", map[string]interface{}{
				"job_id": job.ID,
				"chunk":  chunkIndex,
			})
			continue
		}

		payload, err := codec.Compress(proto.MarshalBatch(encoded))
		if err != nil {
			result.SkippedChunks++
			result.SkippedRecords += len(encoded)
			e.log.Error("Skipping chunk that failed to compress", map[string]interface{}{
				"job_id":  job.ID,
				"chunk":   chunkIndex,
				"records": len(encoded),
				"error":   err.Error(),
			})
			continue
		}

		binary.BigEndian.PutUint32(header, uint32(len(payload)))
		if _, err := bw.Write(header); err != nil {
			return fmt.Errorf("failed to write frame length: %w", err)
		}
		if _, err := bw.Write(payload); err != nil {
			return fmt.Errorf("failed to write frame payload: %w", err)
		}

		result.Frames++
		result.RecordCount += len(encoded)
		result.BytesWritten += int64(frameHeaderSize + len(payload))
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if f, ok := w.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync output file: %w", err)
		}
	}
	return nil
}

func (e *Encoder) abort(job *types.Job, cause error) {
	e.log.Error("Aborting encode job", map[string]interface{}{
		"job_id": job.ID,
		"path":   job.OutputPath,
		"error":  cause.Error(),
	})
	if err := os.Remove(job.OutputPath); err != nil && !os.IsNotExist(err) {
		e.log.Error("Failed to remove partial output", map[string]interface{}{
			"path":  job.OutputPath,
			"error": err.Error(),
		})
	}
}
