package nats

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersink/logger"
	"ledgersink/types"
)

func init() {
	logger.L().SetOutput(io.Discard)
}

func TestNextBatchesByKind(t *testing.T) {
	s := NewSource(nil, 2)
	s.linger = 20 * time.Millisecond

	s.msgChan <- &nats.Msg{Subject: "ledger.events", Data: []byte(`{"event_id":"e1"}`)}
	s.msgChan <- &nats.Msg{Subject: "ledger.updates", Data: []byte(`[{"update_id":"u1"},{"update_id":"u2"},{"update_id":"u3"}]`)}

	ctx := context.Background()
	b, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RecordKindUpdates, b.Kind)
	require.Len(t, b.Records, 2)
	assert.Equal(t, "u1", b.Records[0]["update_id"])

	seen := map[types.RecordKind]int{}
	for i := 0; i < 2; i++ {
		b, err = s.Next(ctx)
		require.NoError(t, err)
		seen[b.Kind] += len(b.Records)
	}
	assert.Equal(t, map[types.RecordKind]int{types.RecordKindEvents: 1, types.RecordKindUpdates: 1}, seen)
}

func TestNextDropsBadMessages(t *testing.T) {
	s := NewSource(nil, 10)
	s.linger = 10 * time.Millisecond
	s.msgChan <- &nats.Msg{Subject: "ledger.trades", Data: []byte(`{}`)}
	s.msgChan <- &nats.Msg{Subject: "ledger.events", Data: []byte(`{broken`)}
	s.msgChan <- &nats.Msg{Subject: "contracts", Data: []byte(`{"contract_id":"c"}`)}

	b, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.RecordKindContracts, b.Kind)
	assert.Len(t, b.Records, 1)
}

func TestNextReturnsContextError(t *testing.T) {
	s := NewSource(nil, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubjectKind(t *testing.T) {
	assert.Equal(t, "events", subjectKind("ledger.mainnet.events"))
	assert.Equal(t, "updates", subjectKind("updates"))
}
