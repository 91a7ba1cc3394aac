// Package db records delivered files in Postgres.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgersink/archive"
	"ledgersink/config"
	"ledgersink/filestore"
	"ledgersink/logger"
)

const createTable = `
CREATE TABLE IF NOT EXISTS ledger_files (
    remote_path    TEXT PRIMARY KEY,
    record_kind    TEXT NOT NULL,
    file_kind      TEXT NOT NULL,
    migration_id   BIGINT,
    partition_date DATE,
    record_count   BIGINT NOT NULL DEFAULT 0,
    bytes          BIGINT NOT NULL,
    crc32c         BIGINT NOT NULL,
    uploaded_at    TIMESTAMPTZ NOT NULL
)`

const insertFile = `
INSERT INTO ledger_files (remote_path, record_kind, file_kind, migration_id, partition_date,
    record_count, bytes, crc32c, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (remote_path) DO NOTHING`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Catalog is an archive.UploadObserver that registers every verified upload.
type Catalog struct {
	pool *pgxpool.Pool
	db   execer
	log  *logger.Logger
}

// NewCatalog connects and makes sure the table exists.
func NewCatalog(ctx context.Context, cfg config.PostgresConfig) (*Catalog, error) {
	log := logger.L()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Catalog{pool: pool, db: pool, log: log}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("Successfully connected to catalog database", map[string]interface{}{
		"host":      poolConfig.ConnConfig.Host,
		"db":        poolConfig.ConnConfig.Database,
		"max_conns": poolConfig.MaxConns,
	})
	return c, nil
}

func (c *Catalog) Migrate(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create ledger_files: %w", err)
	}
	return nil
}

// Record inserts one file. Inserting the same remote path twice is a no-op.
func (c *Catalog) Record(ctx context.Context, req archive.UploadRequest, res *archive.UploadResult) error {
	var (
		migration *int64
		date      *time.Time
	)
	if p, ok := filestore.ParsePartition(req.RemotePath); ok {
		migration = &p.MigrationID
		date = &p.Date
	}
	_, err := c.db.Exec(ctx, insertFile,
		req.RemotePath,
		string(req.RecordKind),
		string(req.FileKind),
		migration,
		date,
		int64(req.RecordCount),
		res.Bytes,
		int64(res.CRC32C),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", req.RemotePath, err)
	}
	return nil
}

// UploadFinished records successful uploads. Catalog failures are logged only; the file is
// already durable.
func (c *Catalog) UploadFinished(ctx context.Context, req archive.UploadRequest, res *archive.UploadResult) {
	if !res.OK {
		return
	}
	if err := c.Record(ctx, req, res); err != nil {
		c.log.Error("Failed to catalog uploaded file", map[string]interface{}{
			"remote_path": req.RemotePath,
			"error":       err.Error(),
		})
	}
}

func (c *Catalog) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}
