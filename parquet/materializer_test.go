package parquet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersink/logger"
	"ledgersink/types"
)

func init() {
	logger.L().SetOutput(io.Discard)
}

var baseTime = time.Date(2024, 8, 15, 9, 0, 0, 0, time.UTC)

func eventRecords(n int) []types.Record {
	records := make([]types.Record, n)
	for i := range records {
		records[i] = types.Record{
			"update_id":       fmt.Sprintf("u-%d", i),
			"event_id":        fmt.Sprintf("u-%d:0", i),
			"event_type":      "exercised",
			"template_id":     "Splice.Amulet:Amulet",
			"migration_id":    float64(5),
			"effective_at":    baseTime.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
			"signatories":     []string{"dso", fmt.Sprintf("party-%d", i)},
			"exercise_result": map[string]interface{}{"ok": true},
			"raw_event":       fmt.Sprintf(`{"n":%d}`, i),
			"unexpected":      "ignored",
		}
	}
	return records
}

func materializeJob(t *testing.T, kind types.RecordKind, records []types.Record) *types.Job {
	t.Helper()
	out := filepath.Join(t.TempDir(), "migration=5", string(kind)+".parquet")
	return types.NewJob(types.JobKindMaterialize, kind, out, records, types.JobConfig{
		CompressionLevel: 3,
		RowGroupSize:     64,
	})
}

func readTable(t *testing.T, path string) map[string]arrow.Array {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	tbl, err := pqarrow.ReadTable(context.Background(), f, nil, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	t.Cleanup(tbl.Release)

	cols := map[string]arrow.Array{}
	for i := 0; i < int(tbl.NumCols()); i++ {
		col := tbl.Column(i)
		require.NotEmpty(t, col.Data().Chunks())
		cols[col.Name()] = col.Data().Chunk(0)
	}
	return cols
}

func TestMaterializeEvents(t *testing.T) {
	job := materializeJob(t, types.RecordKindEvents, eventRecords(250))

	res, err := NewMaterializer(nil, "", 0).Execute(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, res.Validation)
	assert.True(t, res.Validation.Valid, res.Validation.Issues)
	assert.Equal(t, int64(250), res.Validation.RowCount)
	assert.Equal(t, 250, res.RecordCount)
	assert.Positive(t, res.BytesWritten)
	assert.NoFileExists(t, StagingPath(job.OutputPath))

	cols := readTable(t, job.OutputPath)
	assert.NotContains(t, cols, "unexpected")
	assert.Equal(t, "u-0:0", cols["event_id"].(*array.String).Value(0))
	assert.Equal(t, int64(5), cols["migration_id"].(*array.Int64).Value(0))
	assert.Equal(t, `{"ok":true}`, cols["exercise_result"].(*array.String).Value(0))
	assert.True(t, cols["observers"].IsNull(0))

	ts := cols["effective_at"].(*array.Timestamp).Value(1)
	assert.Equal(t, baseTime.Add(time.Second).UnixMicro(), int64(ts))

	list := cols["signatories"].(*array.List)
	values := list.ListValues().(*array.String)
	start, end := list.ValueOffsets(0)
	require.Equal(t, int64(2), end-start)
	assert.Equal(t, "dso", values.Value(int(start)))
}

func TestMaterializeContractsAndUpdates(t *testing.T) {
	contracts := []types.Record{{
		"contract_id": "c-1",
		"template_id": "Splice.Amulet:Amulet",
		"created_at":  int64(1700000000000000),
		"payload":     map[string]interface{}{"owner": "alice"},
	}}
	res, err := NewMaterializer(nil, PolicyRecord, 10).Execute(context.Background(),
		materializeJob(t, types.RecordKindContracts, contracts))
	require.NoError(t, err)
	assert.True(t, res.Validation.Valid, res.Validation.Issues)

	updates := []types.Record{{
		"update_id":   "u-1",
		"update_type": "transaction",
		"record_time": baseTime,
		"offset":      int64(42),
		"update_data": `{"events":[]}`,
	}}
	res, err = NewMaterializer(nil, PolicyRecord, 10).Execute(context.Background(),
		materializeJob(t, types.RecordKindUpdates, updates))
	require.NoError(t, err)
	assert.True(t, res.Validation.Valid, res.Validation.Issues)
}

func TestMaterializeEmptyJob(t *testing.T) {
	job := materializeJob(t, types.RecordKindEvents, nil)
	res, err := NewMaterializer(nil, "", 0).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Validation.Valid, res.Validation.Issues)
	assert.Zero(t, res.Validation.RowCount)
}

// truncatingConverter drops staged rows before converting, simulating a lossy conversion.
type truncatingConverter struct {
	Converter
	keep int
}

func (c truncatingConverter) Convert(ctx context.Context, stagingPath, outputPath string, schema *TableSchema, opts WriteOptions) (int64, error) {
	f, err := os.Open(stagingPath)
	if err != nil {
		return 0, err
	}
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() && len(lines) < c.keep {
		lines = append(lines, sc.Text())
	}
	f.Close()
	if err := os.WriteFile(stagingPath, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return 0, err
	}
	return c.Converter.Convert(ctx, stagingPath, outputPath, schema, opts)
}

func TestValidationFailureIsNotFatal(t *testing.T) {
	job := materializeJob(t, types.RecordKindEvents, eventRecords(100))
	m := NewMaterializer(truncatingConverter{Converter: NewArrowConverter(), keep: 90}, PolicyRecord, 0)

	res, err := m.Execute(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, res.Validation)
	assert.False(t, res.Validation.Valid)
	assert.Equal(t, int64(90), res.Validation.RowCount)
	assert.Equal(t, int64(100), res.Validation.ExpectedRows)
	require.Len(t, res.Validation.Issues, 1)
	assert.Contains(t, res.Validation.Issues[0], "row count 90")
	assert.FileExists(t, job.OutputPath)
	assert.NoFileExists(t, StagingPath(job.OutputPath))
}

func TestValidationFailureWithFailPolicy(t *testing.T) {
	job := materializeJob(t, types.RecordKindEvents, eventRecords(100))
	m := NewMaterializer(truncatingConverter{Converter: NewArrowConverter(), keep: 90}, PolicyFail, 0)

	res, err := m.Execute(context.Background(), job)
	require.ErrorIs(t, err, types.ErrValidationFailed)
	assert.False(t, types.IsTransient(err))
	require.NotNil(t, res)
	assert.False(t, res.Validation.Valid)
}

func TestValidationFlagsMissingPayload(t *testing.T) {
	records := eventRecords(20)
	delete(records[4], "raw_event")
	job := materializeJob(t, types.RecordKindEvents, records)

	res, err := NewMaterializer(nil, "", 0).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, res.Validation.Valid)
	assert.Contains(t, strings.Join(res.Validation.Issues, ";"), "raw_event is null in 1 of 20")
}

func TestValidateReportsMissingRequiredColumns(t *testing.T) {
	contracts := []types.Record{{"contract_id": "c", "template_id": "t", "payload": "{}"}}
	job := materializeJob(t, types.RecordKindContracts, contracts)
	_, err := NewMaterializer(nil, "", 0).Execute(context.Background(), job)
	require.NoError(t, err)

	v, err := Validate(context.Background(), job.OutputPath, EventsSchema, 1, 10)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Contains(t, v.Issues, "required column event_id missing")
}

type brokenConverter struct{}

func (brokenConverter) Name() string { return "broken" }

func (brokenConverter) Convert(ctx context.Context, stagingPath, outputPath string, schema *TableSchema, opts WriteOptions) (int64, error) {
	if err := os.WriteFile(outputPath, []byte("PAR1"), 0644); err != nil {
		return 0, err
	}
	return 0, errors.New("converter ran out of memory")
}

func TestConversionFailureCleansUp(t *testing.T) {
	job := materializeJob(t, types.RecordKindEvents, eventRecords(5))
	_, err := NewMaterializer(brokenConverter{}, "", 0).Execute(context.Background(), job)
	require.Error(t, err)
	assert.NoFileExists(t, job.OutputPath)
	assert.NoFileExists(t, StagingPath(job.OutputPath))
}

func TestMaterializeRejectsWrongJobKind(t *testing.T) {
	job := materializeJob(t, types.RecordKindEvents, nil)
	job.Kind = types.JobKindEncode
	_, err := NewMaterializer(nil, "", 0).Execute(context.Background(), job)
	assert.ErrorIs(t, err, types.ErrInvalidJob)
}

func TestDuckDBConverter(t *testing.T) {
	conv, err := NewDuckDBConverter()
	if err != nil {
		t.Skipf("duckdb unavailable: %v", err)
	}
	defer conv.Close()

	job := materializeJob(t, types.RecordKindEvents, eventRecords(30))
	res, err := NewMaterializer(conv, "", 0).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 30, res.RecordCount)
	assert.True(t, res.Validation.Valid, res.Validation.Issues)
}

func TestCopyStatementQuotesNames(t *testing.T) {
	stmt := copyStatement("/tmp/it's.ndjson", "/tmp/out.parquet", UpdatesSchema, 3, 1000)
	assert.Contains(t, stmt, `"offset"`)
	assert.Contains(t, stmt, `'/tmp/it''s.ndjson'`)
	assert.Contains(t, stmt, `'record_time': 'TIMESTAMPTZ'`)
	assert.Contains(t, stmt, "ROW_GROUP_SIZE 1000")
}
