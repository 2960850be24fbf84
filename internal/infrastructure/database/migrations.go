package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"sync"
	"time"
)

// migrationFile matches YYYYMMDD_HHMMSS_description.(up|down).sql.
var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_([a-z0-9_]+)\.(up|down)\.sql$`)

var (
	sourceMu sync.RWMutex
	source   fs.FS
)

// RegisterMigrations sets the filesystem Migrate reads *.sql files from.
// The migrations package calls it from init.
func RegisterMigrations(fsys fs.FS) {
	sourceMu.Lock()
	defer sourceMu.Unlock()
	source = fsys
}

func migrationSource() fs.FS {
	sourceMu.RLock()
	defer sourceMu.RUnlock()
	return source
}

// Migration is one schema version.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// MigrationStatus describes how far the schema has been migrated.
type MigrationStatus struct {
	Applied []MigrationRecord
	Pending []Migration
}

// Current returns the latest applied version, or "" for an empty schema.
func (s MigrationStatus) Current() string {
	if len(s.Applied) == 0 {
		return ""
	}
	return s.Applied[len(s.Applied)-1].Version
}

// Migrate applies every pending migration, oldest first, each in its own
// transaction. It refuses to run against a schema that has versions this
// binary does not know, which happens after a downgrade.
func (db *DB) Migrate(ctx context.Context) error {
	status, known, err := db.status(ctx)
	if err != nil {
		return err
	}
	for _, rec := range status.Applied {
		if _, ok := known[rec.Version]; !ok {
			return fmt.Errorf("schema version %s (%s) is newer than this binary", rec.Version, rec.Name)
		}
	}

	for _, m := range status.Pending {
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Name, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverts the latest applied migration. It is a no-op on an
// empty schema.
func (db *DB) Rollback(ctx context.Context) error {
	status, known, err := db.status(ctx)
	if err != nil {
		return err
	}
	version := status.Current()
	if version == "" {
		return nil
	}

	m, ok := known[version]
	if !ok {
		return fmt.Errorf("migration %s not found", version)
	}
	if m.DownSQL == "" {
		return fmt.Errorf("migration %s (%s) has no down SQL", m.Version, m.Name)
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rolling back migration %s (%s): %w", m.Version, m.Name, err)
	}
	return nil
}

// Status reports applied and pending migrations.
func (db *DB) Status(ctx context.Context) (MigrationStatus, error) {
	status, _, err := db.status(ctx)
	return status, err
}

func (db *DB) status(ctx context.Context) (MigrationStatus, map[string]Migration, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		applied_at TEXT NOT NULL
	)`); err != nil {
		return MigrationStatus{}, nil, fmt.Errorf("creating migrations table: %w", err)
	}

	all, err := loadMigrations(migrationSource())
	if err != nil {
		return MigrationStatus{}, nil, fmt.Errorf("loading migrations: %w", err)
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return MigrationStatus{}, nil, err
	}

	known := make(map[string]Migration, len(all))
	for _, m := range all {
		known[m.Version] = m
	}
	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}

	status := MigrationStatus{Applied: applied}
	for _, m := range all {
		if !done[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, known, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var appliedAt string
		if err := rows.Scan(&r.Version, &r.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // written by Migrate
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return records, nil
}

// loadMigrations reads the migration files at the root of fsys. A down
// file without a matching up file is an error; other files are ignored.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, up, ok := parseMigrationFilename(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		m, exists := byVersion[version]
		if !exists {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %s has conflicting names %q and %q", version, m.Name, name)
		}
		if up {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for _, m := range out {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %s (%s) has no up file", m.Version, m.Name)
		}
	}
	return out, nil
}

func parseMigrationFilename(name string) (version, description string, up, ok bool) {
	m := migrationFile.FindStringSubmatch(name)
	if m == nil {
		return "", "", false, false
	}
	return m[1], m[2], m[3] == "up", true
}
