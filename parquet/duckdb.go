package parquet

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jmoiron/sqlx"

	"ledgersink/logger"
)

// DuckDBConverter converts staged NDJSON with an in-memory DuckDB COPY ... TO statement.
type DuckDBConverter struct {
	db  *sqlx.DB
	log *logger.Logger
	mu  sync.Mutex
}

func NewDuckDBConverter() (*DuckDBConverter, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to duckdb: %w", err)
	}
	return &DuckDBConverter{
		db:  sqlx.NewDb(db, "duckdb"),
		log: logger.L(),
	}, nil
}

func (d *DuckDBConverter) Name() string { return EngineDuckDB }

func (d *DuckDBConverter) Convert(ctx context.Context, stagingPath, outputPath string, schema *TableSchema, opts WriteOptions) (int64, error) {
	rowGroup := opts.RowGroupSize
	if rowGroup <= 0 {
		rowGroup = 100000
	}
	level := opts.CompressionLevel
	if level <= 0 {
		level = 3
	}

	// COPY statements run one at a time.
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.ExecContext(ctx, copyStatement(stagingPath, outputPath, schema, level, rowGroup)); err != nil {
		return 0, fmt.Errorf("duckdb copy failed: %w", err)
	}

	var rows int64
	if err := d.db.GetContext(ctx, &rows, fmt.Sprintf("SELECT count(*) FROM read_parquet(%s)", quoteLiteral(outputPath))); err != nil {
		return 0, fmt.Errorf("failed to count parquet rows: %w", err)
	}

	d.log.Debug("DuckDB conversion complete", map[string]interface{}{
		"output": outputPath,
		"rows":   rows,
	})
	return rows, nil
}

func copyStatement(stagingPath, outputPath string, schema *TableSchema, level, rowGroup int) string {
	cols := make([]string, len(schema.Columns))
	decls := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quoteIdent(c.Name)
		decls[i] = fmt.Sprintf("%s: '%s'", quoteLiteral(c.Name), c.Type.duckType())
	}
	return fmt.Sprintf(`
        COPY (
            SELECT %s FROM read_json(%s, format = 'newline_delimited', columns = {%s})
        ) TO %s (FORMAT 'parquet', COMPRESSION 'zstd', COMPRESSION_LEVEL %d, ROW_GROUP_SIZE %d)
    `, strings.Join(cols, ", "), quoteLiteral(stagingPath), strings.Join(decls, ", "),
		quoteLiteral(outputPath), level, rowGroup)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (d *DuckDBConverter) Close() error {
	return d.db.Close()
}
