// Package proto holds the wire schemas for the binary chunked format. Messages are encoded
// directly with protowire from a field table so that a record missing a required field can
// be rejected on its own instead of failing the whole batch. ledger.proto documents the same
// layout for readers in other languages.
package proto

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"ledgersink/types"
	"ledgersink/utils"
)

// SchemaVersion is written into every Batch.
const SchemaVersion uint32 = 1

const (
	batchVersionField protowire.Number = 1
	batchRecordsField protowire.Number = 2
)

type FieldType int

const (
	TypeString FieldType = iota
	TypeInt64
	// TypeTimestamp is int64 microseconds since the epoch.
	TypeTimestamp
	TypeStringList
	// TypeJSON is nested JSON carried as text.
	TypeJSON
)

type Field struct {
	Name     string
	Number   protowire.Number
	Type     FieldType
	Required bool
}

// Schema maps a record's fixed field set onto one protobuf message.
type Schema struct {
	Name     string
	Kind     types.RecordKind
	Fields   []Field
	byNumber map[protowire.Number]Field
}

func newSchema(name string, kind types.RecordKind, fields []Field) *Schema {
	s := &Schema{
		Name:     name,
		Kind:     kind,
		Fields:   fields,
		byNumber: make(map[protowire.Number]Field, len(fields)),
	}
	for _, f := range fields {
		s.byNumber[f.Number] = f
	}
	return s
}

var EventSchema = newSchema("Event", types.RecordKindEvents, []Field{
	{Name: "update_id", Number: 1, Type: TypeString, Required: true},
	{Name: "event_id", Number: 2, Type: TypeString, Required: true},
	{Name: "event_type", Number: 3, Type: TypeString, Required: true},
	{Name: "contract_id", Number: 4, Type: TypeString},
	{Name: "template_id", Number: 5, Type: TypeString},
	{Name: "package_name", Number: 6, Type: TypeString},
	{Name: "migration_id", Number: 7, Type: TypeInt64},
	{Name: "synchronizer_id", Number: 8, Type: TypeString},
	{Name: "effective_at", Number: 9, Type: TypeTimestamp, Required: true},
	{Name: "recorded_at", Number: 10, Type: TypeTimestamp},
	{Name: "signatories", Number: 11, Type: TypeStringList},
	{Name: "observers", Number: 12, Type: TypeStringList},
	{Name: "witness_parties", Number: 13, Type: TypeStringList},
	{Name: "choice", Number: 14, Type: TypeString},
	{Name: "payload", Number: 15, Type: TypeJSON},
	{Name: "exercise_result", Number: 16, Type: TypeJSON},
	{Name: "raw_event", Number: 17, Type: TypeJSON},
})

var UpdateSchema = newSchema("Update", types.RecordKindUpdates, []Field{
	{Name: "update_id", Number: 1, Type: TypeString, Required: true},
	{Name: "update_type", Number: 2, Type: TypeString, Required: true},
	{Name: "migration_id", Number: 3, Type: TypeInt64},
	{Name: "synchronizer_id", Number: 4, Type: TypeString},
	{Name: "record_time", Number: 5, Type: TypeTimestamp, Required: true},
	{Name: "effective_at", Number: 6, Type: TypeTimestamp},
	{Name: "offset", Number: 7, Type: TypeInt64},
	{Name: "workflow_id", Number: 8, Type: TypeString},
	{Name: "command_id", Number: 9, Type: TypeString},
	{Name: "event_count", Number: 10, Type: TypeInt64},
	{Name: "root_event_ids", Number: 11, Type: TypeStringList},
	{Name: "update_data", Number: 12, Type: TypeJSON},
})

// ErrNoSchema is returned for record kinds that have no binary representation.
var ErrNoSchema = errors.New("no binary schema for record kind")

// SchemaFor returns the binary schema of a record kind.
func SchemaFor(kind types.RecordKind) (*Schema, error) {
	switch kind {
	case types.RecordKindEvents:
		return EventSchema, nil
	case types.RecordKindUpdates:
		return UpdateSchema, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoSchema, kind)
}

// SkipError explains why a single record could not be mapped.
type SkipError struct {
	Field  string
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// Map encodes one record. A non-nil error is always a *SkipError and means only this record
// is dropped. Fields not in the schema are ignored.
func (s *Schema) Map(r types.Record) ([]byte, error) {
	var b []byte
	for _, f := range s.Fields {
		v, ok := r[f.Name]
		if !ok || v == nil {
			if f.Required {
				return nil, &SkipError{Field: f.Name, Reason: "required field missing"}
			}
			continue
		}
		var err error
		b, err = appendField(b, f, v)
		if err != nil {
			return nil, &SkipError{Field: f.Name, Reason: err.Error()}
		}
	}
	return b, nil
}

func appendField(b []byte, f Field, v interface{}) ([]byte, error) {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return appendString(b, f.Number, s)
	case TypeJSON:
		s, err := utils.ToText(v)
		if err != nil {
			return nil, err
		}
		return appendString(b, f.Number, s)
	case TypeInt64:
		n, err := utils.ToInt64(v)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, f.Number, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(n)), nil
	case TypeTimestamp:
		t, err := utils.ToTime(v)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, f.Number, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(t.UnixMicro())), nil
	case TypeStringList:
		list, err := utils.ToStringSlice(v)
		if err != nil {
			return nil, err
		}
		for _, s := range list {
			if b, err = appendString(b, f.Number, s); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown field type %d", f.Type)
}

// proto3 string fields must hold valid UTF-8 or conforming readers reject the message.
func appendString(b []byte, num protowire.Number, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, errors.New("invalid UTF-8")
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s), nil
}

// Unmarshal decodes one message back into a record. Timestamps come back as UTC time.Time,
// integers as int64 and lists as []string. Unknown field numbers are skipped.
func (s *Schema) Unmarshal(b []byte) (types.Record, error) {
	r := types.Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag in %s: %w", s.Name, protowire.ParseError(n))
		}
		b = b[n:]

		f, known := s.byNumber[num]
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid unknown field %d in %s: %w", num, s.Name, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		switch f.Type {
		case TypeString, TypeJSON, TypeStringList:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("field %s: wire type %d, want bytes", f.Name, typ)
			}
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field %s: %w", f.Name, protowire.ParseError(n))
			}
			b = b[n:]
			if f.Type == TypeStringList {
				list, _ := r[f.Name].([]string)
				r[f.Name] = append(list, v)
			} else {
				r[f.Name] = v
			}
		case TypeInt64, TypeTimestamp:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("field %s: wire type %d, want varint", f.Name, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("field %s: %w", f.Name, protowire.ParseError(n))
			}
			b = b[n:]
			if f.Type == TypeTimestamp {
				r[f.Name] = time.UnixMicro(int64(v)).UTC()
			} else {
				r[f.Name] = int64(v)
			}
		}
	}
	return r, nil
}

// MarshalBatch wraps encoded records into a Batch message.
func MarshalBatch(records [][]byte) []byte {
	size := protowire.SizeTag(batchVersionField) + protowire.SizeVarint(uint64(SchemaVersion))
	for _, rec := range records {
		size += protowire.SizeTag(batchRecordsField) + protowire.SizeBytes(len(rec))
	}
	b := make([]byte, 0, size)
	b = protowire.AppendTag(b, batchVersionField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(SchemaVersion))
	for _, rec := range records {
		b = protowire.AppendTag(b, batchRecordsField, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}
	return b
}

// UnmarshalBatch splits a Batch message into its schema version and encoded records.
func UnmarshalBatch(b []byte) (uint32, [][]byte, error) {
	var (
		version uint32
		records [][]byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, fmt.Errorf("invalid batch tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == batchVersionField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, nil, fmt.Errorf("invalid schema version: %w", protowire.ParseError(n))
			}
			version = uint32(v)
			b = b[n:]
		case num == batchRecordsField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, nil, fmt.Errorf("invalid batch record: %w", protowire.ParseError(n))
			}
			records = append(records, v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, nil, fmt.Errorf("invalid batch field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if version != SchemaVersion {
		return version, records, fmt.Errorf("unsupported batch schema version %d", version)
	}
	return version, records, nil
}
