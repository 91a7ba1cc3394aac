package parquet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ledgersink/logger"
	"ledgersink/types"
)

const (
	PolicyRecord = "record"
	PolicyFail   = "fail"

	stagingSuffix = ".staging.ndjson"
)

// Materializer writes materialize jobs as validated parquet files.
type Materializer struct {
	Converter  Converter
	Policy     string
	SampleSize int
	log        *logger.Logger
}

func NewMaterializer(conv Converter, policy string, sampleSize int) *Materializer {
	if conv == nil {
		conv = NewArrowConverter()
	}
	if policy == "" {
		policy = PolicyRecord
	}
	return &Materializer{
		Converter:  conv,
		Policy:     policy,
		SampleSize: sampleSize,
		log:        logger.L(),
	}
}

// StagingPath is where records are staged before conversion.
func StagingPath(outputPath string) string {
	return outputPath + stagingSuffix
}

// Execute stages, converts and validates one job. A validation failure is reported in the
// result and only fails the job under PolicyFail.
func (m *Materializer) Execute(ctx context.Context, job *types.Job) (*types.Result, error) {
	start := time.Now()
	if err := job.Validate(types.JobKindMaterialize); err != nil {
		return nil, err
	}
	schema, err := SchemaFor(job.RecordKind)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	staging := StagingPath(job.OutputPath)
	defer m.removeStaging(staging)

	if err := stage(staging, schema, job.Records); err != nil {
		return nil, err
	}

	opts := WriteOptions{
		CompressionLevel: job.Config.CompressionLevel,
		RowGroupSize:     job.Config.RowGroupSize,
	}
	rows, err := m.Converter.Convert(ctx, staging, job.OutputPath, schema, opts)
	if err != nil {
		os.Remove(job.OutputPath)
		return nil, fmt.Errorf("%s conversion failed: %w", m.Converter.Name(), err)
	}

	validation, err := Validate(ctx, job.OutputPath, schema, int64(len(job.Records)), m.SampleSize)
	if err != nil {
		validation = &types.Validation{
			ExpectedRows: int64(len(job.Records)),
			Issues:       []string{err.Error()},
		}
	}

	result := &types.Result{
		JobID:       job.ID,
		RecordCount: int(rows),
		Validation:  validation,
	}
	if info, err := os.Stat(job.OutputPath); err == nil {
		result.BytesWritten = info.Size()
	}
	result.Duration = time.Since(start)

	if !validation.Valid {
		m.log.Warn("Parquet validation failed", map[string]interface{}{
			"job_id":        job.ID,
			"path":          job.OutputPath,
			"row_count":     validation.RowCount,
			"expected_rows": validation.ExpectedRows,
			"issues":        strings.Join(validation.Issues, "; "),
			"policy":        m.Policy,
		})
		if m.Policy == PolicyFail {
			return result, fmt.Errorf("%w: %s", types.ErrValidationFailed, strings.Join(validation.Issues, "; "))
		}
	}

	m.log.Debug("Materialized parquet file", map[string]interface{}{
		"job_id":   job.ID,
		"path":     job.OutputPath,
		"rows":     rows,
		"bytes":    result.BytesWritten,
		"engine":   m.Converter.Name(),
		"duration": result.Duration.String(),
	})
	return result, nil
}

// stage writes one projected record per line.
func stage(path string, schema *TableSchema, records []types.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1024*1024)
	enc := json.NewEncoder(bw)
	for i, rec := range records {
		if err := enc.Encode(schema.Project(rec)); err != nil {
			f.Close()
			return fmt.Errorf("failed to stage record %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}
	return nil
}

func (m *Materializer) removeStaging(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Error("Failed to remove staging file", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
}
