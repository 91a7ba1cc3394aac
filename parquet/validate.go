package parquet

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"ledgersink/types"
)

const DefaultSampleSize = 100

// Validate re-opens a written parquet file and checks the row count, the required columns
// and, for non-empty files, that the payload column is populated in the first sampleSize
// rows. Only failure to read the file at all is returned as an error.
func Validate(ctx context.Context, path string, schema *TableSchema, expectedRows int64, sampleSize int) (*types.Validation, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file for validation: %w", err)
	}
	defer rdr.Close()

	v := &types.Validation{
		RowCount:     rdr.NumRows(),
		ExpectedRows: expectedRows,
	}
	if v.RowCount != expectedRows {
		v.Issues = append(v.Issues, fmt.Sprintf("row count %d does not match input count %d", v.RowCount, expectedRows))
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: int64(sampleSize)}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet schema: %w", err)
	}
	sc, err := fr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet schema: %w", err)
	}
	for _, name := range schema.Required {
		if !sc.HasField(name) {
			v.Issues = append(v.Issues, fmt.Sprintf("required column %s missing", name))
		}
	}

	if v.RowCount > 0 && schema.PayloadColumn != "" {
		idx := sc.FieldIndices(schema.PayloadColumn)
		if len(idx) > 0 {
			issue, err := samplePayload(ctx, fr, idx[0], schema.PayloadColumn, sampleSize, v.RowCount)
			if err != nil {
				return nil, err
			}
			if issue != "" {
				v.Issues = append(v.Issues, issue)
			}
		}
	}

	v.Valid = len(v.Issues) == 0
	return v, nil
}

func samplePayload(ctx context.Context, fr *pqarrow.FileReader, idx int, name string, sampleSize int, rows int64) (string, error) {
	col, err := fr.GetColumn(ctx, idx)
	if err != nil {
		return "", fmt.Errorf("failed to open column %s: %w", name, err)
	}
	defer col.Release()

	n := int64(sampleSize)
	if rows < n {
		n = rows
	}
	chunked, err := col.NextBatch(n)
	if err != nil {
		return "", fmt.Errorf("failed to read column %s: %w", name, err)
	}
	defer chunked.Release()

	if nulls := chunked.NullN(); nulls > 0 {
		return fmt.Sprintf("payload column %s is null in %d of %d sampled rows", name, nulls, chunked.Len()), nil
	}
	return "", nil
}
