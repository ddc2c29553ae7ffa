// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides server registration persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS servers (
			id                   TEXT PRIMARY KEY,
			display_name         TEXT NOT NULL,
			url                  TEXT NOT NULL,
			encrypted_credential TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_servers_display_name ON servers(display_name);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close releases database resources
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateServer registers a new gateway
func (s *SQLiteStore) CreateServer(ctx context.Context, rec *ServerRecord) error {
	query := `
		INSERT INTO servers (id, display_name, url, encrypted_credential, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.DisplayName,
		rec.URL,
		rec.EncryptedCredential,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateServer
		}
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("registered server", "id", rec.ID, "name", rec.DisplayName)
	return nil
}

// GetServer retrieves a server by ID
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*ServerRecord, error) {
	query := `
		SELECT id, display_name, url, encrypted_credential, created_at, updated_at
		FROM servers WHERE id = ?
	`
	return scanServer(s.db.QueryRowContext(ctx, query, id))
}

// UpdateServer updates a server's display name, URL, or credential
func (s *SQLiteStore) UpdateServer(ctx context.Context, rec *ServerRecord) error {
	query := `
		UPDATE servers
		SET display_name = ?, url = ?, encrypted_credential = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.DisplayName,
		rec.URL,
		rec.EncryptedCredential,
		time.Now().UTC().Format(time.RFC3339),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated server", "id", rec.ID)
	return nil
}

// ListServers returns all registered servers ordered by display name
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*ServerRecord, error) {
	query := `
		SELECT id, display_name, url, encrypted_credential, created_at, updated_at
		FROM servers ORDER BY display_name, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*ServerRecord
	for rows.Next() {
		var rec ServerRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &rec.URL,
			&rec.EncryptedCredential, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		var err error
		if rec.CreatedAt, rec.UpdatedAt, err = parseTimes(createdAt, updatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, &rec)
	}
	return servers, rows.Err()
}

// DeleteServer removes a server registration
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted server", "id", id)
	return nil
}

// GetSetting reads an application setting, "" if unset
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading setting %q: %w", key, err)
	}
	return value, nil
}

// PutSetting writes an application setting
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}
	return nil
}

func scanServer(row *sql.Row) (*ServerRecord, error) {
	var rec ServerRecord
	var createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.DisplayName, &rec.URL,
		&rec.EncryptedCredential, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server: %w", err)
	}
	if rec.CreatedAt, rec.UpdatedAt, err = parseTimes(createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseTimes(createdAt, updatedAt string) (time.Time, time.Time, error) {
	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	updated, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing updated_at %q: %w", updatedAt, err)
	}
	return created, updated, nil
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
