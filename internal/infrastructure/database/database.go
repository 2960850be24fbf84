package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 30 * time.Minute
)

// DB is the gateway's SQLite handle. The embedded *sql.DB is handed to the
// configuration, link and audit repositories.
type DB struct {
	*sql.DB
}

// Config maps the database section of config.yaml.
type Config struct {
	// Path of the database file. Missing parent directories are created.
	Path string

	// WALMode lets API reads proceed while the agent persists a link.
	WALMode bool

	// BusyTimeout is how long a statement waits for the write lock, in seconds.
	BusyTimeout int
}

// dsn builds the go-sqlite3 connection string. Foreign keys are always on:
// deleting a configuration must cascade to its attribute links.
func (c Config) dsn() string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(c.BusyTimeout*int(time.Second/time.Millisecond)))
	q.Set("_foreign_keys", "on")
	if c.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + c.Path + "?" + q.Encode()
}

// Open opens (creating if needed) the database file and verifies it answers.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer and the gateway only
	// writes on operator edits.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // file may appear only after the first write

	return &DB{DB: sqlDB}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// HealthCheck verifies the database answers and still enforces foreign keys.
func (db *DB) HealthCheck(ctx context.Context) error {
	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if fk != 1 {
		return fmt.Errorf("database health check failed: foreign keys disabled")
	}
	return nil
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
