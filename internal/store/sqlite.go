// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Protected apps, settings and credential hashes with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
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
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS protected_apps (
			app_id     TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		-- Enrolled secrets, bcrypt hashed
		CREATE TABLE IF NOT EXISTS credentials (
			kind       TEXT PRIMARY KEY,
			hash       TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (kind IN ('pin', 'pattern', 'password'))
		);

		CREATE TABLE IF NOT EXISTS transition_log (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			app_id     TEXT NOT NULL,
			from_state TEXT,
			event      TEXT,
			to_state   TEXT,
			reason     TEXT,
			epoch      INTEGER NOT NULL DEFAULT 0,
			ts         TEXT NOT NULL,

			CHECK (kind IN ('transition', 'rejected', 'timer', 'verification', 'lease'))
		);

		CREATE INDEX IF NOT EXISTS idx_transition_log_ts ON transition_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_transition_log_app ON transition_log(app_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "transition_log",
			column: "epoch",
			apply:  `ALTER TABLE transition_log ADD COLUMN epoch INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// AddProtectedApp marks appID as protected. Adding an already protected
// application is a no-op.
func (s *SQLiteStore) AddProtectedApp(ctx context.Context, appID string) error {
	if appID == "" {
		return errors.New("application id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protected_apps (app_id, created_at) VALUES (?, ?)
		ON CONFLICT(app_id) DO NOTHING
	`, appID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting protected app: %w", err)
	}
	s.logger.Debug("protected app", "app_id", appID)
	return nil
}

// RemoveProtectedApp unprotects appID.
// Returns ErrNotFound if the application wasn't protected.
func (s *SQLiteStore) RemoveProtectedApp(ctx context.Context, appID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM protected_apps WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("deleting protected app: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	s.logger.Debug("unprotected app", "app_id", appID)
	return nil
}

// ListProtectedApps returns every protected application ordered by id.
func (s *SQLiteStore) ListProtectedApps(ctx context.Context) ([]ProtectedApp, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app_id, created_at FROM protected_apps ORDER BY app_id`)
	if err != nil {
		return nil, fmt.Errorf("querying protected apps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	apps := []ProtectedApp{}
	for rows.Next() {
		var app ProtectedApp
		var createdAtStr string
		if err := rows.Scan(&app.AppID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning protected app: %w", err)
		}
		app.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating protected apps: %w", err)
	}
	return apps, nil
}

// ProtectedApplications returns the protected application ids.
func (s *SQLiteStore) ProtectedApplications(ctx context.Context) ([]string, error) {
	apps, err := s.ListProtectedApps(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(apps))
	for _, app := range apps {
		ids = append(ids, app.AppID)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetSetting stores value under key, replacing any previous value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving setting %s: %w", key, err)
	}
	s.logger.Debug("saved setting", "key", key)
	return nil
}

// GetSetting returns the value stored under key.
// Returns ErrNotFound if the setting doesn't exist.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return value, nil
}

// IdleTimeout returns the configured idle timeout.
// Returns ErrNotFound if none is set.
func (s *SQLiteStore) IdleTimeout(ctx context.Context) (time.Duration, error) {
	raw, err := s.GetSetting(ctx, SettingIdleTimeout)
	if err != nil {
		return 0, err
	}
	return parseIdleTimeout(raw)
}

// SetIdleTimeout stores the idle timeout.
func (s *SQLiteStore) SetIdleTimeout(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: idle timeout must not be negative", ErrInvalidSetting)
	}
	return s.SetSetting(ctx, SettingIdleTimeout, d.String())
}

// CredentialMethod returns the configured credential method.
// Returns ErrNotFound if none is set.
func (s *SQLiteStore) CredentialMethod(ctx context.Context) (string, error) {
	return s.GetSetting(ctx, SettingCredentialMethod)
}

// SetCredentialMethod stores the credential method.
func (s *SQLiteStore) SetCredentialMethod(ctx context.Context, method string) error {
	if method == "" {
		return fmt.Errorf("%w: credential method is required", ErrInvalidSetting)
	}
	return s.SetSetting(ctx, SettingCredentialMethod, method)
}

func parseIdleTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: idle timeout %q", ErrInvalidSetting, raw)
	}
	return d, nil
}

// SetCredentialHash stores the bcrypt hash enrolled for kind.
func (s *SQLiteStore) SetCredentialHash(ctx context.Context, kind, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (kind, hash, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at
	`, kind, hash, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %q has no stored secret", ErrInvalidSetting, kind)
		}
		return fmt.Errorf("saving credential: %w", err)
	}
	s.logger.Info("credential enrolled", "kind", kind)
	return nil
}

// CredentialHash returns the bcrypt hash enrolled for kind.
// Returns ErrNotFound if nothing is enrolled.
func (s *SQLiteStore) CredentialHash(ctx context.Context, kind string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM credentials WHERE kind = ?`, kind).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying credential: %w", err)
	}
	return hash, nil
}

// DeleteCredential removes the secret enrolled for kind.
// Returns ErrNotFound if nothing was enrolled.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, kind string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE kind = ?`, kind)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
