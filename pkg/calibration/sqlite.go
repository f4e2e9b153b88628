package calibration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // registers the "sqlite" driver used by sql.Open

	"github.com/teslashibe/go-rangefinder/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite persists calibration profiles in a SQLite database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("calibration: open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("calibration: %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, logger: log.Component("calibration.sqlite")}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("calibration: migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("calibration: migration driver: %w", err)
	}
	// m is not closed: that would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("calibration: migrate: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("calibration: migration up failed: %w", err)
	}
	return nil
}

// GetFloat implements Persistence.
func (s *SQLite) GetFloat(ctx context.Context, key string) (float64, bool, error) {
	var v float64
	err := s.db.QueryRowContext(ctx,
		`SELECT scale FROM calibration_profiles WHERE profile_key = ?`, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// PutFloat implements Persistence.
func (s *SQLite) PutFloat(ctx context.Context, key string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_profiles (profile_key, scale, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(profile_key) DO UPDATE SET
			scale = excluded.scale,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UnixNano())
	return err
}

// Keys lists every stored profile key.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT profile_key FROM calibration_profiles ORDER BY profile_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrateLogger implements migrate.Logger on top of slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
