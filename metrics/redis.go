package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ledgersink/config"
	"ledgersink/logger"
	"ledgersink/types"
)

const DefaultKeyPrefix = "ledgersink:pool:"

// StatsSource is anything that can report a pool snapshot.
type StatsSource interface {
	Stats() types.PoolStats
}

// RedisPublisher writes pool snapshots into one Redis hash per pool.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

func NewRedisPublisher(cfg config.RedisConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second * 3,
		WriteTimeout: time.Second * 3,
	})
	return NewRedisPublisherWithClient(client, cfg.KeyPrefix)
}

func NewRedisPublisherWithClient(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		ttl:    10 * time.Minute,
		log:    logger.L(),
	}
}

func (p *RedisPublisher) Key(pool string) string {
	return p.prefix + pool
}

// Publish stores every source's snapshot in a single pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, sources ...StatsSource) error {
	pipe := p.client.TxPipeline()
	for _, src := range sources {
		stats := src.Stats()
		key := p.Key(stats.Name)
		fields := stats.AsMap()
		fields["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish pool stats: %w", err)
	}
	return nil
}

// Snapshot reads back a published hash.
func (p *RedisPublisher) Snapshot(ctx context.Context, pool string) (map[string]string, error) {
	res, err := p.client.HGetAll(ctx, p.Key(pool)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pool stats: %w", err)
	}
	return res, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
