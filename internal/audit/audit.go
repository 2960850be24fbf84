// Package audit records who changed gateway configurations and links, and
// who wrote attribute values, in the audit_logs table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actions.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionLink    = "link"
	ActionUnlink  = "unlink"
	ActionWrite   = "write"
)

// Entity types.
const (
	EntityConfiguration = "configuration"
	EntityLink          = "link"
	EntityAttribute     = "attribute"
)

// SourceAPI marks entries recorded by the HTTP API.
const SourceAPI = "api"

const (
	defaultLimit = 50
	maxLimit     = 200

	// timeFormat has a fixed-width fraction so stored timestamps sort as text.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Entry is a single audit trail record.
type Entry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	Limit      int // default 50, max 200
	Offset     int
}

// Page is one page of entries, newest first.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores audit entries.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*Page, error)
}

// SQLiteRepository stores audit entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates an audit repository on a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an entry, filling ID and CreatedAt when empty.
func (r *SQLiteRepository) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var details *string
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		s := string(b)
		details = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, entity_type, entity_id, subject, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.EntityType,
		nullable(e.EntityID), nullable(e.Subject),
		e.Source, details,
		e.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	for _, c := range []struct{ column, value string }{
		{"action", filter.Action},
		{"entity_type", filter.EntityType},
		{"entity_id", filter.EntityID},
	} {
		if c.value != "" {
			conditions = append(conditions, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + where //nolint:gosec // WHERE built from fixed column names
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := "SELECT id, action, entity_type, entity_id, subject, source, details, created_at FROM audit_logs " + //nolint:gosec // WHERE built from fixed column names
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &Page{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var entityID, subject, details sql.NullString
	var createdAt string

	if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &entityID, &subject, &e.Source, &details, &createdAt); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.EntityID = entityID.String
	e.Subject = subject.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
			return e, fmt.Errorf("decoding audit details for %s: %w", e.ID, err)
		}
	}

	t, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return e, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
	}
	e.CreatedAt = t
	return e, nil
}
