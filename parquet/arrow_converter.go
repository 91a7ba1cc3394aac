package parquet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"ledgersink/logger"
	"ledgersink/utils"
)

const maxBatchRows = 64 * 1024

// ArrowConverter streams staged records into arrow record batches and writes them with
// pqarrow.
type ArrowConverter struct {
	pool memory.Allocator
	log  *logger.Logger
}

func NewArrowConverter() *ArrowConverter {
	return &ArrowConverter{
		pool: memory.NewGoAllocator(),
		log:  logger.L(),
	}
}

func (ac *ArrowConverter) Name() string { return EngineArrow }

func (ac *ArrowConverter) Convert(ctx context.Context, stagingPath, outputPath string, schema *TableSchema, opts WriteOptions) (int64, error) {
	in, err := os.Open(stagingPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open staging file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if err := out.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			ac.log.Error("Failed to close parquet file", map[string]interface{}{
				"path":  outputPath,
				"error": err.Error(),
			})
		}
	}()

	rowGroup := opts.RowGroupSize
	if rowGroup <= 0 {
		rowGroup = 100000
	}
	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithCompressionLevel(opts.CompressionLevel),
		parquet.WithDictionaryDefault(true),
		parquet.WithMaxRowGroupLength(int64(rowGroup)),
		parquet.WithCreatedBy("ledgersink"),
		parquet.WithVersion(parquet.V2_LATEST),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
		pqarrow.WithAllocator(ac.pool),
	)

	writer, err := pqarrow.NewFileWriter(schema.Arrow(), out, writerProps, arrowProps)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	rows, err := ac.writeBatches(in, writer, schema, rowGroup)
	if err != nil {
		writer.Close()
		return rows, err
	}
	if err := writer.Close(); err != nil {
		return rows, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return rows, nil
}

func (ac *ArrowConverter) writeBatches(in io.Reader, writer *pqarrow.FileWriter, schema *TableSchema, rowGroup int) (int64, error) {
	batchSize := rowGroup
	if batchSize > maxBatchRows {
		batchSize = maxBatchRows
	}

	builder := array.NewRecordBuilder(ac.pool, schema.Arrow())
	defer builder.Release()

	flush := func() error {
		record := builder.NewRecord()
		defer record.Release()
		if record.NumRows() == 0 {
			return nil
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record batch: %w", err)
		}
		return nil
	}

	dec := json.NewDecoder(bufio.NewReaderSize(in, 1024*1024))
	dec.UseNumber()

	var rows int64
	pending := 0
	for {
		var row map[string]interface{}
		if err := dec.Decode(&row); err != nil {
			if err == io.EOF {
				break
			}
			return rows, fmt.Errorf("failed to decode staged row %d: %w", rows, err)
		}
		for i, col := range schema.Columns {
			appendValue(builder.Field(i), col.Type, row[col.Name])
		}
		rows++
		pending++
		if pending >= batchSize {
			if err := flush(); err != nil {
				return rows, err
			}
			pending = 0
		}
	}
	if err := flush(); err != nil {
		return rows, err
	}
	return rows, nil
}

// appendValue appends v, or null when v is absent or has the wrong shape.
func appendValue(b array.Builder, typ ColumnType, v interface{}) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch typ {
	case Int64:
		n, err := utils.ToInt64(v)
		if err != nil {
			b.AppendNull()
			return
		}
		b.(*array.Int64Builder).Append(n)
	case Timestamp:
		t, err := utils.ToTime(v)
		if err != nil {
			b.AppendNull()
			return
		}
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(t.UnixMicro()))
	case StringList:
		list, err := utils.ToStringSlice(v)
		if err != nil {
			b.AppendNull()
			return
		}
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.StringBuilder)
		for _, s := range list {
			vb.Append(s)
		}
	case JSON:
		s, err := utils.ToText(v)
		if err != nil {
			b.AppendNull()
			return
		}
		b.(*array.StringBuilder).Append(s)
	default:
		s, ok := v.(string)
		if !ok {
			b.AppendNull()
			return
		}
		b.(*array.StringBuilder).Append(s)
	}
}
