package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrConfigurationExists is returned when creating a configuration whose ID
// is already stored.
var ErrConfigurationExists = errors.New("gateway: configuration already exists")

// Repository persists gateway configurations and attribute links.
type Repository interface {
	// ListConfigurations returns every configuration ordered by ID.
	ListConfigurations(ctx context.Context) ([]GatewayConfig, error)

	// GetConfiguration returns ErrConfigurationNotFound for unknown IDs.
	GetConfiguration(ctx context.Context, id string) (*GatewayConfig, error)

	// CreateConfiguration returns ErrConfigurationExists for duplicate IDs.
	CreateConfiguration(ctx context.Context, cfg *GatewayConfig) error

	// UpdateConfiguration returns ErrConfigurationNotFound for unknown IDs.
	UpdateConfiguration(ctx context.Context, cfg *GatewayConfig) error

	// DeleteConfiguration removes a configuration and, by cascade, its links.
	DeleteConfiguration(ctx context.Context, id string) error

	// ListLinks returns every link ordered by asset and attribute.
	ListLinks(ctx context.Context) ([]Link, error)

	// ListLinksByConfiguration returns the links of one configuration.
	ListLinksByConfiguration(ctx context.Context, configID string) ([]Link, error)

	// GetLink returns ErrLinkNotFound when the attribute is not linked.
	GetLink(ctx context.Context, ref AttributeRef) (*Link, error)

	// SaveLink inserts or replaces the link for an attribute.
	SaveLink(ctx context.Context, link Link) error

	// DeleteLink returns ErrLinkNotFound when the attribute is not linked.
	DeleteLink(ctx context.Context, ref AttributeRef) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const configColumns = `id, name, enabled, gateway_ip, connection_type, gateway_port,
	use_nat, local_bus_address, local_ip, created_at, updated_at`

// ListConfigurations returns every configuration ordered by ID.
func (r *SQLiteRepository) ListConfigurations(ctx context.Context) ([]GatewayConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+configColumns+` FROM gateway_configurations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying configurations: %w", err)
	}
	defer rows.Close()

	var out []GatewayConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating configurations: %w", err)
	}
	return out, nil
}

// GetConfiguration retrieves a configuration by ID.
func (r *SQLiteRepository) GetConfiguration(ctx context.Context, id string) (*GatewayConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM gateway_configurations WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConfigurationNotFound, id)
		}
		return nil, err
	}
	return cfg, nil
}

// CreateConfiguration inserts a new configuration, stamping its timestamps.
func (r *SQLiteRepository) CreateConfiguration(ctx context.Context, cfg *GatewayConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateway_configurations (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, boolToInt(cfg.Enabled), cfg.GatewayIP, cfg.ConnectionType, cfg.Port,
		cfg.UseNAT, cfg.LocalBusAddress, cfg.LocalIP,
		cfg.CreatedAt.Format(time.RFC3339), cfg.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrConfigurationExists, cfg.ID)
		}
		return fmt.Errorf("inserting configuration: %w", err)
	}
	return nil
}

// UpdateConfiguration replaces a stored configuration.
func (r *SQLiteRepository) UpdateConfiguration(ctx context.Context, cfg *GatewayConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE gateway_configurations SET
			name = ?, enabled = ?, gateway_ip = ?, connection_type = ?, gateway_port = ?,
			use_nat = ?, local_bus_address = ?, local_ip = ?, updated_at = ?
		WHERE id = ?`,
		cfg.Name, boolToInt(cfg.Enabled), cfg.GatewayIP, cfg.ConnectionType, cfg.Port,
		cfg.UseNAT, cfg.LocalBusAddress, cfg.LocalIP, cfg.UpdatedAt.Format(time.RFC3339),
		cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating configuration: %w", err)
	}
	return expectOneRow(result, fmt.Errorf("%w: %s", ErrConfigurationNotFound, cfg.ID))
}

// DeleteConfiguration removes a configuration and its links.
func (r *SQLiteRepository) DeleteConfiguration(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM gateway_configurations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting configuration: %w", err)
	}
	return expectOneRow(result, fmt.Errorf("%w: %s", ErrConfigurationNotFound, id))
}

const linkColumns = `asset_id, attribute, configuration_id, dpt, status_address, action_address`

// ListLinks returns every link.
func (r *SQLiteRepository) ListLinks(ctx context.Context) ([]Link, error) {
	return r.queryLinks(ctx, `SELECT `+linkColumns+` FROM attribute_links ORDER BY asset_id, attribute`)
}

// ListLinksByConfiguration returns the links of one configuration.
func (r *SQLiteRepository) ListLinksByConfiguration(ctx context.Context, configID string) ([]Link, error) {
	return r.queryLinks(ctx, `SELECT `+linkColumns+` FROM attribute_links
		WHERE configuration_id = ? ORDER BY asset_id, attribute`, configID)
}

// GetLink returns the link for an attribute.
func (r *SQLiteRepository) GetLink(ctx context.Context, ref AttributeRef) (*Link, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM attribute_links
		WHERE asset_id = ? AND attribute = ?`, ref.AssetID, ref.Attribute)
	link, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrLinkNotFound, ref)
		}
		return nil, err
	}
	return link, nil
}

// SaveLink inserts or replaces the link for an attribute.
func (r *SQLiteRepository) SaveLink(ctx context.Context, link Link) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attribute_links (`+linkColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset_id, attribute) DO UPDATE SET
			configuration_id = excluded.configuration_id,
			dpt = excluded.dpt,
			status_address = excluded.status_address,
			action_address = excluded.action_address,
			updated_at = excluded.updated_at`,
		link.Ref.AssetID, link.Ref.Attribute, link.ConfigurationID,
		link.Meta.DatapointType, link.Meta.StatusAddress, link.Meta.ActionAddress,
		now, now,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: %s", ErrConfigurationNotFound, link.ConfigurationID)
		}
		return fmt.Errorf("saving link: %w", err)
	}
	return nil
}

// DeleteLink removes the link for an attribute.
func (r *SQLiteRepository) DeleteLink(ctx context.Context, ref AttributeRef) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM attribute_links WHERE asset_id = ? AND attribute = ?", ref.AssetID, ref.Attribute)
	if err != nil {
		return fmt.Errorf("deleting link: %w", err)
	}
	return expectOneRow(result, fmt.Errorf("%w: %s", ErrLinkNotFound, ref))
}

func (r *SQLiteRepository) queryLinks(ctx context.Context, query string, args ...any) ([]Link, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating links: %w", err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(s scanner) (*GatewayConfig, error) {
	var (
		cfg                  GatewayConfig
		enabled              int
		createdAt, updatedAt string
	)
	err := s.Scan(&cfg.ID, &cfg.Name, &enabled, &cfg.GatewayIP, &cfg.ConnectionType, &cfg.Port,
		&cfg.UseNAT, &cfg.LocalBusAddress, &cfg.LocalIP, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning configuration: %w", err)
	}
	cfg.Enabled = enabled != 0
	cfg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // written by this package
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // written by this package
	return &cfg, nil
}

func scanLink(s scanner) (*Link, error) {
	var link Link
	err := s.Scan(&link.Ref.AssetID, &link.Ref.Attribute, &link.ConfigurationID,
		&link.Meta.DatapointType, &link.Meta.StatusAddress, &link.Meta.ActionAddress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning link: %w", err)
	}
	return &link, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
