package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/vireflow/vire/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements Store on a SQLite database. Each segment is one
// BLOB row.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	budget budget
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Capacity bounds the total segment bytes; zero means unlimited.
	Capacity int
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		budget: budget{capacity: cfg.Capacity},
	}, nil
}

// Init opens the database connection and enables WAL mode for file
// databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations and loads the current segment usage.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return s.loadUsage(ctx)
}

func (s *SQLiteStore) loadUsage(ctx context.Context) error {
	var segments, used int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM segments`).Scan(&segments, &used)
	if err != nil {
		return fmt.Errorf("failed to load segment usage: %w", err)
	}
	s.budget.set(segments, used)
	return nil
}

// Allocate implements engine.SegmentStore.
func (s *SQLiteStore) Allocate(ctx context.Context, size int) (engine.SegmentID, error) {
	if err := s.budget.reserve(size); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO segments (size, data, created_at) VALUES (?, zeroblob(?), CURRENT_TIMESTAMP)`,
		size, size)
	if err != nil {
		s.budget.release(size)
		return 0, fmt.Errorf("failed to allocate segment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		s.budget.release(size)
		return 0, fmt.Errorf("failed to get segment id: %w", err)
	}
	return engine.SegmentID(id), nil
}

func (s *SQLiteStore) load(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id engine.SegmentID) ([]byte, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT data FROM segments WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %d: %w", id, err)
	}
	return data, nil
}

// Read implements engine.SegmentStore.
func (s *SQLiteStore) Read(ctx context.Context, id engine.SegmentID, offset, length int) ([]byte, error) {
	data, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if err := checkRange(len(data), offset, length); err != nil {
		return nil, fmt.Errorf("segment %d: %w", id, err)
	}
	out := make([]byte, length)
	copy(out, data[offset:])
	return out, nil
}

// Write implements engine.SegmentStore.
func (s *SQLiteStore) Write(ctx context.Context, id engine.SegmentID, offset int, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.load(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := checkRange(len(current), offset, len(data)); err != nil {
		return fmt.Errorf("segment %d: %w", id, err)
	}
	copy(current[offset:], data)

	if _, err := tx.ExecContext(ctx, `UPDATE segments SET data = ?, flushed_at = NULL WHERE id = ?`, current, id); err != nil {
		return fmt.Errorf("failed to write segment %d: %w", id, err)
	}
	return tx.Commit()
}

// Flush implements engine.SegmentStore. Writes are committed as they
// happen; Flush records the segment as complete.
func (s *SQLiteStore) Flush(ctx context.Context, id engine.SegmentID) error {
	result, err := s.db.ExecContext(ctx, `UPDATE segments SET flushed_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to flush segment %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
	}
	return nil
}

// Free implements engine.SegmentStore.
func (s *SQLiteStore) Free(ctx context.Context, id engine.SegmentID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var size int
	err = tx.QueryRowContext(ctx, `SELECT size FROM segments WHERE id = ?`, id).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up segment %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to free segment %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit free of segment %d: %w", id, err)
	}
	s.budget.release(size)
	return nil
}

// Usage implements Store.
func (s *SQLiteStore) Usage() Usage {
	return s.budget.usage()
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM segments`); err != nil {
		return fmt.Errorf("failed to purge segments: %w", err)
	}
	s.budget.set(0, 0)
	return nil
}

// RecordInstall implements InstallHistory.
func (s *SQLiteStore) RecordInstall(ctx context.Context, rec *InstallRecord) error {
	query := `
		INSERT INTO install_history (
			id, requested, mode, flags, outcome, error_class, error,
			elements, group_count, spawned, removed, parameters, duration_ns, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Requested,
		rec.Mode,
		rec.Flags,
		rec.Outcome,
		rec.ErrorClass,
		rec.Error,
		rec.Elements,
		rec.Groups,
		rec.Spawned,
		rec.Removed,
		rec.Parameters,
		int64(rec.Duration),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record install: %w", err)
	}
	return nil
}

const installColumns = `id, requested, mode, flags, outcome, error_class, error,
	elements, group_count, spawned, removed, parameters, duration_ns, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstall(row rowScanner) (*InstallRecord, error) {
	rec := &InstallRecord{}
	var duration int64
	err := row.Scan(
		&rec.ID,
		&rec.Requested,
		&rec.Mode,
		&rec.Flags,
		&rec.Outcome,
		&rec.ErrorClass,
		&rec.Error,
		&rec.Elements,
		&rec.Groups,
		&rec.Spawned,
		&rec.Removed,
		&rec.Parameters,
		&duration,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(duration)
	return rec, nil
}

// GetInstall implements InstallHistory.
func (s *SQLiteStore) GetInstall(ctx context.Context, id string) (*InstallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+installColumns+` FROM install_history WHERE id = ?`, id)
	rec, err := scanInstall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("install %s: %w", id, ErrInstallNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get install: %w", err)
	}
	return rec, nil
}

// ListInstalls implements InstallHistory.
func (s *SQLiteStore) ListInstalls(ctx context.Context, limit int) ([]*InstallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+installColumns+` FROM install_history ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list installs: %w", err)
	}
	defer rows.Close()

	records := []*InstallRecord{}
	for rows.Next() {
		rec, err := scanInstall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan install: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
