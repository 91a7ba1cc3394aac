package proto

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"ledgersink/types"
)

func TestEventSchemaRoundTrip(t *testing.T) {
	effective := time.Date(2024, 3, 9, 12, 30, 0, 123456000, time.UTC)
	rec := types.Record{
		"update_id":    "u-1",
		"event_id":     "u-1:0",
		"event_type":   "created",
		"migration_id": float64(4),
		"effective_at": effective.Format(time.RFC3339Nano),
		"signatories":  []interface{}{"alice", "bob"},
		"payload":      map[string]interface{}{"amount": "10"},
		"raw_event":    `{"kind":"created"}`,
		"not_mapped":   "dropped",
	}

	b, err := EventSchema.Map(rec)
	require.NoError(t, err)

	got, err := EventSchema.Unmarshal(b)
	require.NoError(t, err)

	assert.Equal(t, "u-1", got["update_id"])
	assert.Equal(t, "created", got["event_type"])
	assert.Equal(t, int64(4), got["migration_id"])
	assert.Equal(t, effective, got["effective_at"])
	assert.Equal(t, []string{"alice", "bob"}, got["signatories"])
	assert.Equal(t, `{"amount":"10"}`, got["payload"])
	assert.Equal(t, `{"kind":"created"}`, got["raw_event"])
	assert.NotContains(t, got, "not_mapped")
	assert.NotContains(t, got, "observers")
}

func TestMapSkipsRecordMissingRequiredField(t *testing.T) {
	_, err := UpdateSchema.Map(types.Record{
		"update_id":   "u-1",
		"update_type": "transaction",
	})
	require.Error(t, err)

	var skip *SkipError
	require.True(t, errors.As(err, &skip))
	assert.Equal(t, "record_time", skip.Field)
}

func TestMapSkipsRecordWithWrongType(t *testing.T) {
	_, err := UpdateSchema.Map(types.Record{
		"update_id":   "u-1",
		"update_type": "transaction",
		"record_time": "not a time",
	})
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, "record_time", skip.Field)
}

func TestMapSkipsRecordWithInvalidUTF8(t *testing.T) {
	valid := func() types.Record {
		return types.Record{
			"update_id":   "u-1",
			"update_type": "transaction",
			"record_time": "2024-05-01T10:00:00Z",
			"update_data": "{}",
		}
	}
	_, err := UpdateSchema.Map(valid())
	require.NoError(t, err)

	for field, bad := range map[string]interface{}{
		"update_id":      "u-\xff\xfe",
		"update_data":    "{\"k\":\"\xc3\x28\"}",
		"root_event_ids": []interface{}{"ok", "\x80"},
	} {
		rec := valid()
		rec[field] = bad
		_, err := UpdateSchema.Map(rec)
		var skip *SkipError
		require.ErrorAs(t, err, &skip, field)
		assert.Equal(t, field, skip.Field)
		assert.Equal(t, "invalid UTF-8", skip.Reason)
	}
}

func TestZeroValuesArePreserved(t *testing.T) {
	b, err := UpdateSchema.Map(types.Record{
		"update_id":   "",
		"update_type": "reassignment",
		"record_time": int64(0),
		"offset":      0,
	})
	require.NoError(t, err)

	got, err := UpdateSchema.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, "", got["update_id"])
	assert.Equal(t, int64(0), got["offset"])
	assert.Equal(t, time.UnixMicro(0).UTC(), got["record_time"])
}

func TestBatchRoundTrip(t *testing.T) {
	records := [][]byte{[]byte("a"), {}, []byte("ccc")}
	version, got, err := UnmarshalBatch(MarshalBatch(records))
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
	require.Len(t, got, 3)
	assert.Equal(t, "a", string(got[0]))
	assert.Empty(t, got[1])
	assert.Equal(t, "ccc", string(got[2]))
}

func TestUnmarshalBatchRejectsUnknownVersion(t *testing.T) {
	b := protowire.AppendTag(nil, batchVersionField, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	_, _, err := UnmarshalBatch(b)
	assert.Error(t, err)
}

func TestSchemaFor(t *testing.T) {
	s, err := SchemaFor(types.RecordKindEvents)
	require.NoError(t, err)
	assert.Equal(t, "Event", s.Name)

	_, err = SchemaFor(types.RecordKindContracts)
	assert.ErrorIs(t, err, ErrNoSchema)
}
