package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"ledgersink/config"
	"ledgersink/consumer"
	"ledgersink/logger"
	"ledgersink/types"
)

const (
	DefaultURL           = "nats://localhost:4222"
	DefaultSubject       = "ledger.>"
	ReconnectWait        = 2 * time.Second
	MaxReconnectAttempts = -1
	PingInterval         = 30 * time.Second
	MaxPingOutstanding   = 2
	ChannelBuffer        = 10000
)

// Source is a consumer.Source fed by a queue subscription. The record kind of a message is
// the last token of its subject, e.g. ledger.events.
type Source struct {
	conn      *nats.Conn
	sub       *nats.Subscription
	msgChan   chan *nats.Msg
	batchSize int
	linger    time.Duration
	log       *logger.Logger

	mu      sync.Mutex
	pending map[types.RecordKind][]types.Record
}

// Connect dials NATS and subscribes. Messages are delivered once per queue group.
func Connect(ctx context.Context, cfg config.NATSConfig) (*Source, error) {
	log := logger.L()
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}

	opts := []nats.Option{
		nats.Name("ledgersink"),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(MaxReconnectAttempts),
		nats.PingInterval(PingInterval),
		nats.MaxPingsOutstanding(MaxPingOutstanding),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Error("NATS disconnected", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", map[string]interface{}{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s := NewSource(conn, cfg.BatchSize)
	if err := s.subscribe(subject, cfg.Queue); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("Subscribed to ledger records", map[string]interface{}{
		"url":     url,
		"subject": subject,
		"queue":   cfg.Queue,
	})
	return s, nil
}

// NewSource wraps an existing connection. Call Subscribe before Next.
func NewSource(conn *nats.Conn, batchSize int) *Source {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Source{
		conn:      conn,
		msgChan:   make(chan *nats.Msg, ChannelBuffer),
		batchSize: batchSize,
		linger:    time.Second,
		log:       logger.L(),
		pending:   make(map[types.RecordKind][]types.Record),
	}
}

func (s *Source) subscribe(subject, queue string) error {
	handler := func(msg *nats.Msg) {
		s.msgChan <- msg
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = s.conn.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = s.conn.Subscribe(subject, handler)
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	s.sub = sub
	return nil
}

// Subscribe starts receiving subject, optionally inside a queue group.
func (s *Source) Subscribe(subject, queue string) error {
	return s.subscribe(subject, queue)
}

// Next returns a single-kind batch once batchSize records of that kind are pending, or when
// no message arrived for the linger period. It returns ctx.Err() once ctx is done and
// nothing is pending.
func (s *Source) Next(ctx context.Context) (types.Batch, error) {
	timer := time.NewTimer(s.linger)
	defer timer.Stop()

	for {
		if b, ok := s.take(false); ok {
			return b, nil
		}
		select {
		case <-ctx.Done():
			if b, ok := s.take(true); ok {
				return b, nil
			}
			return types.Batch{}, ctx.Err()
		case msg := <-s.msgChan:
			s.handle(msg)
		case <-timer.C:
			if b, ok := s.take(true); ok {
				return b, nil
			}
			timer.Reset(s.linger)
		}
	}
}

func (s *Source) handle(msg *nats.Msg) {
	kind, err := types.ParseRecordKind(subjectKind(msg.Subject))
	if err != nil {
		s.log.Error("Dropping message with unknown record kind", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		return
	}
	records, err := consumer.DecodeRecords(msg.Data)
	if err != nil {
		s.log.Error("Dropping undecodable message", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		return
	}
	s.mu.Lock()
	s.pending[kind] = append(s.pending[kind], records...)
	s.mu.Unlock()
}

// take removes one pending batch: a full one, or with partial set any non-empty one.
func (s *Source) take(partial bool) (types.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, records := range s.pending {
		if len(records) == 0 || (!partial && len(records) < s.batchSize) {
			continue
		}
		n := len(records)
		if n > s.batchSize {
			n = s.batchSize
		}
		batch := types.Batch{Kind: kind, Records: records[:n:n]}
		if n == len(records) {
			delete(s.pending, kind)
		} else {
			s.pending[kind] = records[n:]
		}
		return batch, true
	}
	return types.Batch{}, false
}

func subjectKind(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// Close drains the subscription and closes the connection.
func (s *Source) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.log.Warn("Failed to drain subscription", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
