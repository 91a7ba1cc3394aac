package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind selects which pool and executor handle a job.
type JobKind string

const (
	JobKindEncode      JobKind = "encode"
	JobKindMaterialize JobKind = "materialize"
)

// JobConfig carries the per-job tuning knobs.
type JobConfig struct {
	ChunkSize        int    `json:"chunk_size"`
	CompressionLevel int    `json:"compression_level"`
	RowGroupSize     int    `json:"row_group_size"`
	Codec            string `json:"codec"`
}

// Job is one unit of pool work. The pool owns it from Submit until the result is returned;
// Records must not be mutated while the job is in flight.
type Job struct {
	ID         string
	Kind       JobKind
	RecordKind RecordKind
	OutputPath string
	Records    []Record
	Config     JobConfig
}

// NewJob builds a job with a fresh ID.
func NewJob(kind JobKind, recordKind RecordKind, outputPath string, records []Record, cfg JobConfig) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		RecordKind: recordKind,
		OutputPath: outputPath,
		Records:    records,
		Config:     cfg,
	}
}

// Validate checks the job shape. Shape errors are permanent.
func (j *Job) Validate(want JobKind) error {
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	if j.Kind != want {
		return fmt.Errorf("%w: expected %s job, got %q", ErrInvalidJob, want, j.Kind)
	}
	if j.OutputPath == "" {
		return fmt.Errorf("%w: empty output path", ErrInvalidJob)
	}
	if _, err := ParseRecordKind(string(j.RecordKind)); err != nil {
		return err
	}
	return nil
}

// Validation is the outcome of post-write checks on a materialized file.
type Validation struct {
	Valid        bool     `json:"valid"`
	Issues       []string `json:"issues,omitempty"`
	RowCount     int64    `json:"row_count"`
	ExpectedRows int64    `json:"expected_rows"`
}

// Result is returned by a successful job.
type Result struct {
	JobID          string        `json:"job_id"`
	RecordCount    int           `json:"record_count"`
	BytesWritten   int64         `json:"bytes_written"`
	SkippedRecords int           `json:"skipped_records,omitempty"`
	SkippedChunks  int           `json:"skipped_chunks,omitempty"`
	Frames         int           `json:"frames,omitempty"`
	Validation     *Validation   `json:"validation,omitempty"`
	Duration       time.Duration `json:"duration"`
}
