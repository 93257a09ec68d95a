// Package config provides centralized configuration management for the importer.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"errors"
	"path/filepath"
	"time"
)

// ErrNoDatabase is returned by DatabaseConfig.Require when no connection string is set.
var ErrNoDatabase = errors.New("DATABASE_URL is required")

// Config holds all importer configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database DatabaseConfig
	Import   ImportConfig
	Search   SearchConfig
	Metrics  MetricsConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Only commands that touch the
	// database need it; dry runs and listings do not.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 4)
	MaxConns int `env:"DB_MAX_CONNS" default:"4"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// Require reports ErrNoDatabase when no connection string is configured.
func (c *DatabaseConfig) Require() error {
	if c.URL == "" {
		return ErrNoDatabase
	}
	return nil
}

// ImportConfig holds the settings of the import jobs.
type ImportConfig struct {
	// SourceDir holds one subdirectory of extracts per job (default: data)
	SourceDir string `env:"IMPORT_SOURCE_DIR" default:"data"`

	// BAGDir overrides the extract directory of the bag job
	BAGDir string `env:"IMPORT_BAG_DIR"`

	// BRKDir overrides the extract directory of the brk job
	BRKDir string `env:"IMPORT_BRK_DIR"`

	// BatchSize is the number of records per store call at flush (default: 1000)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"1000"`

	// SRID is the spatial reference of all geometry (default: 28992, RD New)
	SRID int `env:"IMPORT_SRID" default:"28992"`

	// AsOf is the effective date for validity filtering, YYYY-MM-DD (default: today)
	AsOf time.Time `env:"IMPORT_AS_OF"`

	// CSVLimit caps the rows read per CSV extract; 0 reads everything
	CSVLimit int `env:"IMPORT_CSV_LIMIT" default:"0"`

	// CSVEncoding is the encoding of CSV extracts (default: utf-8)
	CSVEncoding string `env:"IMPORT_CSV_ENCODING" default:"utf-8"`

	// ProgressInterval is the number of rows between progress log entries (default: 100000)
	ProgressInterval int `env:"IMPORT_PROGRESS_INTERVAL" default:"100000"`

	// MaxMessages caps the messages kept in a job report (default: 10000)
	MaxMessages int `env:"IMPORT_MAX_MESSAGES" default:"10000"`
}

// Dir returns the extract directory of a job: the job's override if set,
// otherwise dirName below SourceDir.
func (c *ImportConfig) Dir(job, dirName string) string {
	switch job {
	case "bag":
		if c.BAGDir != "" {
			return c.BAGDir
		}
	case "brk":
		if c.BRKDir != "" {
			return c.BRKDir
		}
	}
	return filepath.Join(c.SourceDir, dirName)
}

// SearchConfig holds the settings of the index stage.
type SearchConfig struct {
	// Output is the NDJSON bulk file written by the index command (default: search.ndjson)
	Output string `env:"SEARCH_OUTPUT" default:"search.ndjson"`

	// Index is the index name in the bulk actions (default: bag)
	Index string `env:"SEARCH_INDEX" default:"bag"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// PushgatewayURL enables pushing job metrics when set
	PushgatewayURL string `env:"METRICS_PUSHGATEWAY_URL"`

	// Job is the Pushgateway job label (default: bag_import)
	Job string `env:"METRICS_JOB" default:"bag_import"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}
