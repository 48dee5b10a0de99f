/**
 * PostgreSQL Client for the readout worker
 *
 * Persists instrument profiles as JSONB rows. Profiles are configuration only:
 * captured images and readings are never written here.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/readout-worker/internal/processor"
)

// DefaultSchema is the schema holding the profiles table
const DefaultSchema = "readout"

// undefined_table
const pqUndefinedTable = "42P01"

// PostgresClient handles database operations
type PostgresClient struct {
	db     *sql.DB
	schema string
}

// NewPostgresClient creates a new PostgreSQL client. An empty schema means DefaultSchema.
func NewPostgresClient(databaseURL, schema string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if schema == "" {
		schema = DefaultSchema
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Profile reads are small and infrequent
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db, schema: schema}, nil
}

func (p *PostgresClient) table() string {
	return pq.QuoteIdentifier(p.schema) + ".profiles"
}

// EnsureSchema creates the schema and profiles table if they do not exist
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(p.schema),
		`CREATE TABLE IF NOT EXISTS ` + p.table() + ` (
			name        TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			definition  JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema %s: %w", p.schema, err)
		}
	}
	return nil
}

// UpsertProfile validates and stores a profile. With overwrite false an existing row is left untouched
// and the returned bool reports whether a row was written.
func (p *PostgresClient) UpsertProfile(ctx context.Context, profile *processor.Profile, overwrite bool) (bool, error) {
	if profile == nil {
		return false, fmt.Errorf("profile is required")
	}
	if err := profile.Check(); err != nil {
		return false, err
	}

	definition, err := encodeProfile(profile)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO ` + p.table() + ` (name, description, definition, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW(), NOW())
		ON CONFLICT (name) DO `
	if overwrite {
		query += `UPDATE SET
			description = EXCLUDED.description,
			definition = EXCLUDED.definition,
			updated_at = NOW()`
	} else {
		query += `NOTHING`
	}

	res, err := p.db.ExecContext(ctx, query, profile.Name, profile.Description, definition)
	if err != nil {
		return false, p.wrapError(fmt.Sprintf("failed to upsert profile %s", profile.Name), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to upsert profile %s: %w", profile.Name, err)
	}
	return n > 0, nil
}

// GetProfile implements processor.ProfileStore
func (p *PostgresClient) GetProfile(ctx context.Context, name string) (*processor.Profile, error) {
	if name == "" {
		return nil, fmt.Errorf("profile name is required")
	}

	query := `SELECT definition FROM ` + p.table() + ` WHERE name = $1`

	var definition []byte
	err := p.db.QueryRowContext(ctx, query, name).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", processor.ErrProfileNotFound, name)
	}
	if err != nil {
		return nil, p.wrapError(fmt.Sprintf("failed to get profile %s", name), err)
	}

	return decodeProfile(name, definition)
}

// ListProfiles returns all stored profiles sorted by name
func (p *PostgresClient) ListProfiles(ctx context.Context) ([]processor.Profile, error) {
	return p.listProfiles(ctx, nil)
}

// GetProfiles returns the stored profiles among names, sorted by name
func (p *PostgresClient) GetProfiles(ctx context.Context, names []string) ([]processor.Profile, error) {
	if len(names) == 0 {
		return []processor.Profile{}, nil
	}
	return p.listProfiles(ctx, names)
}

func (p *PostgresClient) listProfiles(ctx context.Context, names []string) ([]processor.Profile, error) {
	query := `SELECT name, definition FROM ` + p.table()
	var args []interface{}
	if names != nil {
		query += ` WHERE name = ANY($1)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY name`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.wrapError("failed to list profiles", err)
	}
	defer rows.Close()

	profiles := []processor.Profile{}
	for rows.Next() {
		var (
			name       string
			definition []byte
		)
		if err := rows.Scan(&name, &definition); err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		profile, err := decodeProfile(name, definition)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return profiles, nil
}

// DeleteProfile removes a profile, returning ErrProfileNotFound if there was none
func (p *PostgresClient) DeleteProfile(ctx context.Context, name string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM `+p.table()+` WHERE name = $1`, name)
	if err != nil {
		return p.wrapError(fmt.Sprintf("failed to delete profile %s", name), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", processor.ErrProfileNotFound, name)
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns database statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

// wrapError adds a hint when the profiles table has not been created
func (p *PostgresClient) wrapError(msg string, err error) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable {
		return fmt.Errorf("%s: table %s does not exist, run EnsureSchema: %w", msg, p.table(), err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func encodeProfile(profile *processor.Profile) ([]byte, error) {
	data, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile %s: %w", profile.Name, err)
	}
	// JSONB rejects \u0000 and some control escapes
	return sanitizeJSONForPostgres(data), nil
}

func decodeProfile(name string, definition []byte) (*processor.Profile, error) {
	var profile processor.Profile
	if err := json.Unmarshal(definition, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile %s: %w", name, err)
	}
	// The row key wins over whatever name the stored document carries
	profile.Name = name
	return &profile, nil
}
