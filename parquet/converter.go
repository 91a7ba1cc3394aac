package parquet

import (
	"context"
	"fmt"
)

// WriteOptions are the parquet writer knobs taken from the job.
type WriteOptions struct {
	CompressionLevel int
	RowGroupSize     int
}

// Converter turns a staged NDJSON file into a parquet file with the given schema and
// reports how many rows it wrote.
type Converter interface {
	Name() string
	Convert(ctx context.Context, stagingPath, outputPath string, schema *TableSchema, opts WriteOptions) (int64, error)
}

const (
	EngineArrow  = "arrow"
	EngineDuckDB = "duckdb"
)

// NewConverter builds the converter for a configured engine name.
func NewConverter(engine string) (Converter, error) {
	switch engine {
	case "", EngineArrow:
		return NewArrowConverter(), nil
	case EngineDuckDB:
		return NewDuckDBConverter()
	}
	return nil, fmt.Errorf("unknown parquet engine %q", engine)
}
