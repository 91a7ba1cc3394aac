package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Pool       PoolConfig       `json:"pool" yaml:"pool"`
	Encoder    EncoderConfig    `json:"encoder" yaml:"encoder"`
	Parquet    ParquetConfig    `json:"parquet" yaml:"parquet"`
	Flush      FlushConfig      `json:"flush" yaml:"flush"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	DeadLetter DeadLetterConfig `json:"deadletter" yaml:"deadletter"`
	NATS       NATSConfig       `json:"nats" yaml:"nats"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Postgres   PostgresConfig   `json:"postgres" yaml:"postgres"`
	API        APIConfig        `json:"api" yaml:"api"`
	Log        LogConfig        `json:"log" yaml:"log"`
	ScratchDir string           `json:"scratch_dir" yaml:"scratch_dir"`
}

type PoolConfig struct {
	Workers     int    `json:"workers" yaml:"workers"`
	Mode        string `json:"mode" yaml:"mode"` // persistent or ephemeral
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
}

type EncoderConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	ChunkSize        int    `json:"chunk_size" yaml:"chunk_size"`
	Codec            string `json:"codec" yaml:"codec"`
	CompressionLevel int    `json:"compression_level" yaml:"compression_level"`
}

type ParquetConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Engine           string `json:"engine" yaml:"engine"` // arrow or duckdb
	RowGroupSize     int    `json:"row_group_size" yaml:"row_group_size"`
	ValidationPolicy string `json:"validation_policy" yaml:"validation_policy"` // record or fail
	SampleSize       int    `json:"sample_size" yaml:"sample_size"`
}

type FlushConfig struct {
	Rows       int `json:"rows" yaml:"rows"`
	IntervalMS int `json:"interval_ms" yaml:"interval_ms"`
}

type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend"` // filesystem, gcs or command
	Root    string `json:"root" yaml:"root"`
	Bucket  string `json:"bucket" yaml:"bucket"`
	Prefix  string `json:"prefix" yaml:"prefix"`
	Command string `json:"command" yaml:"command"`
	Timeout string `json:"timeout" yaml:"timeout"`

	timeoutDuration time.Duration
}

type DeadLetterConfig struct {
	Path              string `json:"path" yaml:"path"`
	SpoolDir          string `json:"spool_dir" yaml:"spool_dir"`
	ReconcileInterval string `json:"reconcile_interval" yaml:"reconcile_interval"`

	reconcileIntervalDuration time.Duration
}

type NATSConfig struct {
	URL       string `json:"url" yaml:"url"`
	Subject   string `json:"subject" yaml:"subject"`
	Queue     string `json:"queue" yaml:"queue"`
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type PostgresConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

type APIConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	File   string `json:"file" yaml:"file"`
}

// DefaultWorkers is one less than the CPU thread count, never below one.
func DefaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Workers:     DefaultWorkers(),
			Mode:        "persistent",
			MaxAttempts: 3,
		},
		Encoder: EncoderConfig{
			Enabled:          true,
			ChunkSize:        2000,
			Codec:            "zstd",
			CompressionLevel: 3,
		},
		Parquet: ParquetConfig{
			Enabled:          true,
			Engine:           "arrow",
			RowGroupSize:     100000,
			ValidationPolicy: "record",
			SampleSize:       100,
		},
		Flush: FlushConfig{
			Rows:       50000,
			IntervalMS: 60000,
		},
		Storage: StorageConfig{
			Backend: "filesystem",
			Root:    "data/remote",
			Command: "gcloud",
			Timeout: "120s",
		},
		DeadLetter: DeadLetterConfig{
			Path:              "data/deadletter/failed_uploads.jsonl",
			SpoolDir:          "data/deadletter/spool",
			ReconcileInterval: "10m",
		},
		NATS: NATSConfig{
			Queue:     "ledgersink",
			BatchSize: 1000,
		},
		Redis: RedisConfig{
			KeyPrefix: "ledgersink:pool:",
		},
		Postgres: PostgresConfig{
			MaxConns: 4,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		ScratchDir: "data/scratch",
	}
}

// Load builds the configuration from defaults, an optional config file (.json, .yaml, .yml),
// an optional .env file and the process environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.ToDuration(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var intEnv = []struct {
	name string
	dst  func(*Config) *int
}{
	{"WORKER_POOL_SIZE", func(c *Config) *int { return &c.Pool.Workers }},
	{"CHUNK_SIZE", func(c *Config) *int { return &c.Encoder.ChunkSize }},
	{"COMPRESSION_LEVEL", func(c *Config) *int { return &c.Encoder.CompressionLevel }},
	{"ROW_GROUP_SIZE", func(c *Config) *int { return &c.Parquet.RowGroupSize }},
	{"FLUSH_ROWS", func(c *Config) *int { return &c.Flush.Rows }},
	{"FLUSH_INTERVAL_MS", func(c *Config) *int { return &c.Flush.IntervalMS }},
	{"MAX_ATTEMPTS", func(c *Config) *int { return &c.Pool.MaxAttempts }},
}

var stringEnv = []struct {
	name string
	dst  func(*Config) *string
}{
	{"POOL_MODE", func(c *Config) *string { return &c.Pool.Mode }},
	{"CODEC", func(c *Config) *string { return &c.Encoder.Codec }},
	{"PARQUET_ENGINE", func(c *Config) *string { return &c.Parquet.Engine }},
	{"VALIDATION_POLICY", func(c *Config) *string { return &c.Parquet.ValidationPolicy }},
	{"STORAGE_BACKEND", func(c *Config) *string { return &c.Storage.Backend }},
	{"STORAGE_ROOT", func(c *Config) *string { return &c.Storage.Root }},
	{"STORAGE_BUCKET", func(c *Config) *string { return &c.Storage.Bucket }},
	{"STORAGE_PREFIX", func(c *Config) *string { return &c.Storage.Prefix }},
	{"STORAGE_TIMEOUT", func(c *Config) *string { return &c.Storage.Timeout }},
	{"DEAD_LETTER_PATH", func(c *Config) *string { return &c.DeadLetter.Path }},
	{"DEAD_LETTER_SPOOL_DIR", func(c *Config) *string { return &c.DeadLetter.SpoolDir }},
	{"RECONCILE_INTERVAL", func(c *Config) *string { return &c.DeadLetter.ReconcileInterval }},
	{"NATS_URL", func(c *Config) *string { return &c.NATS.URL }},
	{"NATS_SUBJECT", func(c *Config) *string { return &c.NATS.Subject }},
	{"REDIS_ADDR", func(c *Config) *string { return &c.Redis.Addr }},
	{"REDIS_PASSWORD", func(c *Config) *string { return &c.Redis.Password }},
	{"POSTGRES_DSN", func(c *Config) *string { return &c.Postgres.DSN }},
	{"API_ADDR", func(c *Config) *string { return &c.API.Addr }},
	{"LOG_LEVEL", func(c *Config) *string { return &c.Log.Level }},
	{"LOG_FORMAT", func(c *Config) *string { return &c.Log.Format }},
	{"LOG_FILE", func(c *Config) *string { return &c.Log.File }},
	{"SCRATCH_DIR", func(c *Config) *string { return &c.ScratchDir }},
}

func (c *Config) applyEnv() error {
	for _, e := range intEnv {
		raw, ok := os.LookupEnv(e.name)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.name, err)
		}
		*e.dst(c) = v
	}
	for _, e := range stringEnv {
		if raw, ok := os.LookupEnv(e.name); ok && raw != "" {
			*e.dst(c) = raw
		}
	}
	return nil
}

// ToDuration parses the duration strings into their private fields.
func (c *Config) ToDuration() error {
	var err error
	c.Storage.timeoutDuration, err = time.ParseDuration(c.Storage.Timeout)
	if err != nil {
		return fmt.Errorf("invalid storage.timeout duration: %w", err)
	}
	c.DeadLetter.reconcileIntervalDuration, err = time.ParseDuration(c.DeadLetter.ReconcileInterval)
	if err != nil {
		return fmt.Errorf("invalid deadletter.reconcile_interval duration: %w", err)
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Pool.Workers < 1:
		return fmt.Errorf("pool.workers must be at least 1, got %d", c.Pool.Workers)
	case c.Pool.Mode != "persistent" && c.Pool.Mode != "ephemeral":
		return fmt.Errorf("pool.mode must be persistent or ephemeral, got %q", c.Pool.Mode)
	case c.Pool.MaxAttempts < 1:
		return fmt.Errorf("pool.max_attempts must be at least 1, got %d", c.Pool.MaxAttempts)
	case c.Encoder.ChunkSize < 1:
		return fmt.Errorf("encoder.chunk_size must be at least 1, got %d", c.Encoder.ChunkSize)
	case c.Parquet.RowGroupSize < 1:
		return fmt.Errorf("parquet.row_group_size must be at least 1, got %d", c.Parquet.RowGroupSize)
	case c.Parquet.ValidationPolicy != "record" && c.Parquet.ValidationPolicy != "fail":
		return fmt.Errorf("parquet.validation_policy must be record or fail, got %q", c.Parquet.ValidationPolicy)
	case c.Flush.Rows < 1:
		return fmt.Errorf("flush.rows must be at least 1, got %d", c.Flush.Rows)
	case c.Flush.IntervalMS < 1:
		return fmt.Errorf("flush.interval_ms must be at least 1, got %d", c.Flush.IntervalMS)
	case c.DeadLetter.Path == "":
		return fmt.Errorf("deadletter.path is required")
	}
	return nil
}

func (s *StorageConfig) GetTimeout() time.Duration {
	return s.timeoutDuration
}

func (d *DeadLetterConfig) GetReconcileInterval() time.Duration {
	return d.reconcileIntervalDuration
}

func (f *FlushConfig) GetInterval() time.Duration {
	return time.Duration(f.IntervalMS) * time.Millisecond
}
