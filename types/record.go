package types

import (
	"fmt"
	"time"

	"ledgersink/utils"
)

// Record is one normalized ledger record. Field semantics belong to the normalizer; this
// module only reads the fields named by a schema.
type Record map[string]interface{}

// RecordKind identifies which schema a record batch is written with.
type RecordKind string

const (
	RecordKindEvents    RecordKind = "events"
	RecordKindUpdates   RecordKind = "updates"
	RecordKindContracts RecordKind = "contracts"
)

// ParseRecordKind validates a kind read from configuration or a message subject.
func ParseRecordKind(s string) (RecordKind, error) {
	switch RecordKind(s) {
	case RecordKindEvents, RecordKindUpdates, RecordKindContracts:
		return RecordKind(s), nil
	}
	return "", fmt.Errorf("%w: unknown record kind %q", ErrInvalidJob, s)
}

// TimestampField is the logical-time field used to partition records of each kind.
func (k RecordKind) TimestampField() string {
	switch k {
	case RecordKindUpdates:
		return "record_time"
	case RecordKindContracts:
		return "created_at"
	default:
		return "effective_at"
	}
}

// LogicalTime returns the record's partitioning timestamp, falling back to the zero time
// when the field is absent or unparseable.
func (r Record) LogicalTime(kind RecordKind) time.Time {
	v, ok := r[kind.TimestampField()]
	if !ok {
		return time.Time{}
	}
	t, err := utils.ToTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MigrationID returns the record's migration identifier, 0 when missing.
func (r Record) MigrationID() int64 {
	v, ok := r["migration_id"]
	if !ok || v == nil {
		return 0
	}
	id, err := utils.ToInt64(v)
	if err != nil {
		return 0
	}
	return id
}

// Batch is a group of records of one kind handed over by a source.
type Batch struct {
	Kind    RecordKind
	Records []Record
}
