package parquet

import (
	"fmt"
	"time"

	"github.com/apache/arrow/go/v14/arrow"

	"ledgersink/types"
	"ledgersink/utils"
)

type ColumnType int

const (
	String ColumnType = iota
	Int64
	Timestamp
	StringList
	// JSON is nested JSON stored as text.
	JSON
)

type Column struct {
	Name string
	Type ColumnType
}

// TableSchema is the fixed columnar layout of one record kind.
type TableSchema struct {
	Kind          types.RecordKind
	Columns       []Column
	Required      []string
	PayloadColumn string

	arrow *arrow.Schema
}

func newTableSchema(kind types.RecordKind, payload string, required []string, cols []Column) *TableSchema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Type.arrowType(), Nullable: true}
	}
	md := arrow.NewMetadata(
		[]string{"writer.type", "record.kind"},
		[]string{"ledgersink_arrow", string(kind)},
	)
	return &TableSchema{
		Kind:          kind,
		Columns:       cols,
		Required:      required,
		PayloadColumn: payload,
		arrow:         arrow.NewSchema(fields, &md),
	}
}

func (t ColumnType) arrowType() arrow.DataType {
	switch t {
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case Timestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	case StringList:
		return arrow.ListOf(arrow.BinaryTypes.String)
	default:
		return arrow.BinaryTypes.String
	}
}

// duckType is the DuckDB column type used when reading staged NDJSON.
func (t ColumnType) duckType() string {
	switch t {
	case Int64:
		return "BIGINT"
	case Timestamp:
		return "TIMESTAMPTZ"
	case StringList:
		return "VARCHAR[]"
	default:
		return "VARCHAR"
	}
}

var EventsSchema = newTableSchema(types.RecordKindEvents, "raw_event",
	[]string{"update_id", "event_id", "event_type", "effective_at", "raw_event"},
	[]Column{
		{"update_id", String},
		{"event_id", String},
		{"event_type", String},
		{"contract_id", String},
		{"template_id", String},
		{"package_name", String},
		{"migration_id", Int64},
		{"synchronizer_id", String},
		{"effective_at", Timestamp},
		{"recorded_at", Timestamp},
		{"signatories", StringList},
		{"observers", StringList},
		{"witness_parties", StringList},
		{"choice", String},
		{"payload", JSON},
		{"exercise_result", JSON},
		{"raw_event", JSON},
	})

var UpdatesSchema = newTableSchema(types.RecordKindUpdates, "update_data",
	[]string{"update_id", "update_type", "record_time", "update_data"},
	[]Column{
		{"update_id", String},
		{"update_type", String},
		{"migration_id", Int64},
		{"synchronizer_id", String},
		{"record_time", Timestamp},
		{"effective_at", Timestamp},
		{"offset", Int64},
		{"workflow_id", String},
		{"command_id", String},
		{"event_count", Int64},
		{"root_event_ids", StringList},
		{"update_data", JSON},
	})

var ContractsSchema = newTableSchema(types.RecordKindContracts, "payload",
	[]string{"contract_id", "template_id", "payload"},
	[]Column{
		{"contract_id", String},
		{"template_id", String},
		{"package_name", String},
		{"migration_id", Int64},
		{"created_at", Timestamp},
		{"archived_at", Timestamp},
		{"signatories", StringList},
		{"observers", StringList},
		{"payload", JSON},
		{"raw_contract", JSON},
	})

// SchemaFor returns the columnar schema of a record kind.
func SchemaFor(kind types.RecordKind) (*TableSchema, error) {
	switch kind {
	case types.RecordKindEvents:
		return EventsSchema, nil
	case types.RecordKindUpdates:
		return UpdatesSchema, nil
	case types.RecordKindContracts:
		return ContractsSchema, nil
	}
	return nil, fmt.Errorf("%w: no columnar schema for %q", types.ErrInvalidJob, kind)
}

func (s *TableSchema) Arrow() *arrow.Schema {
	return s.arrow
}

// Project keeps only schema columns and normalizes their values for staging: timestamps
// become RFC3339 strings in UTC, JSON columns become text. Values that cannot be converted
// are left out and end up null.
func (s *TableSchema) Project(rec types.Record) map[string]interface{} {
	out := make(map[string]interface{}, len(s.Columns))
	for _, c := range s.Columns {
		v, ok := rec[c.Name]
		if !ok || v == nil {
			continue
		}
		if nv, err := c.Type.normalize(v); err == nil {
			out[c.Name] = nv
		}
	}
	return out
}

func (t ColumnType) normalize(v interface{}) (interface{}, error) {
	switch t {
	case Int64:
		return utils.ToInt64(v)
	case Timestamp:
		ts, err := utils.ToTime(v)
		if err != nil {
			return nil, err
		}
		return ts.Format(time.RFC3339Nano), nil
	case StringList:
		return utils.ToStringSlice(v)
	case JSON:
		return utils.ToText(v)
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	}
}
