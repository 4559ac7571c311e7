package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

// CursorStore persists the id of the last processed item. Get reports
// ok=false when no cursor has been written yet.
type CursorStore interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, id string) error
}

// CursorEntry is one processed item in the cursor history.
type CursorEntry struct {
	ItemID      string
	ProcessedAt time.Time
}

// cursorBackend is what the CLI needs beyond the pipeline's view.
type cursorBackend interface {
	CursorStore
	LastUpdated(ctx context.Context) (time.Time, bool, error)
	History(ctx context.Context, limit int) ([]CursorEntry, error)
	Clear(ctx context.Context) error
	Close() error
}

func openCursorStore(ctx context.Context, cfg CursorSettings) (cursorBackend, error) {
	switch cfg.Backend {
	case "file":
		return NewFileCursorStore(cfg.Path), nil
	case "sqlite":
		return OpenSQLiteCursorStore(cfg.Path, cfg.Key)
	case "postgres":
		return ConnectPostgresCursorStore(ctx, cfg.DSN, cfg.Key)
	default:
		return nil, fmt.Errorf("unknown cursor backend %q", cfg.Backend)
	}
}

// FileCursorStore keeps the cursor as the whole content of one file.
type FileCursorStore struct {
	path string
}

func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

func (s *FileCursorStore) Get(ctx context.Context) (string, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cursor %s: %w", s.path, err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// Set replaces the file atomically: a reader sees the old id or the new
// one, never a prefix.
func (s *FileCursorStore) Set(ctx context.Context, id string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cursor dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cursor-*")
	if err != nil {
		return fmt.Errorf("creating temp cursor: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(id); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing cursor %s: %w", s.path, err)
	}
	return nil
}

func (s *FileCursorStore) LastUpdated(ctx context.Context) (time.Time, bool, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

// History is not kept by the file backend.
func (s *FileCursorStore) History(ctx context.Context, limit int) ([]CursorEntry, error) {
	return nil, nil
}

func (s *FileCursorStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing cursor %s: %w", s.path, err)
	}
	return nil
}

func (s *FileCursorStore) Close() error {
	return nil
}

// SQLiteCursorStore keeps the cursor in a meta table and appends every
// processed id to a history table.
type SQLiteCursorStore struct {
	db  *sql.DB
	key string
}

// OpenSQLiteCursorStore opens (and creates) the database at path.
func OpenSQLiteCursorStore(path, key string) (*SQLiteCursorStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cursor dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cursor db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteCursorStore{db: db, key: key}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteCursorStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS history (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			key          TEXT NOT NULL,
			item_id      TEXT NOT NULL,
			processed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_key ON history(key, id DESC);
	`)
	if err != nil {
		return fmt.Errorf("initializing cursor schema: %w", err)
	}
	return nil
}

func (s *SQLiteCursorStore) Get(ctx context.Context) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cursor: %w", err)
	}
	return value, value != "", nil
}

func (s *SQLiteCursorStore) Set(ctx context.Context, id string) error {
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cursor update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, s.key, id, now); err != nil {
		return fmt.Errorf("writing cursor: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO history (key, item_id, processed_at) VALUES (?, ?, ?)", s.key, id, now); err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteCursorStore) LastUpdated(ctx context.Context) (time.Time, bool, error) {
	var unix int64
	err := s.db.QueryRowContext(ctx, "SELECT updated_at FROM meta WHERE key = ?", s.key).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(unix, 0), true, nil
}

func (s *SQLiteCursorStore) History(ctx context.Context, limit int) ([]CursorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT item_id, processed_at FROM history WHERE key = ? ORDER BY id DESC LIMIT ?", s.key, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []CursorEntry
	for rows.Next() {
		var (
			e    CursorEntry
			unix int64
		)
		if err := rows.Scan(&e.ItemID, &unix); err != nil {
			return nil, err
		}
		e.ProcessedAt = time.Unix(unix, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes the cursor; history is kept.
func (s *SQLiteCursorStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", s.key)
	return err
}

func (s *SQLiteCursorStore) Close() error {
	return s.db.Close()
}

// PostgresCursorStore is the shared-database cursor backend.
type PostgresCursorStore struct {
	pool *pgxpool.Pool
	key  string
}

// ConnectPostgresCursorStore creates a pgx pool and ensures the schema.
func ConnectPostgresCursorStore(ctx context.Context, databaseURL, key string) (*PostgresCursorStore, error) {
	if databaseURL == "" {
		return nil, errors.New("cursor.dsn is required")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse cursor dsn: %w", err)
	}
	config.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresCursorStore{pool: pool, key: key}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresCursorStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS feed_digest_cursor (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS feed_digest_history (
			id           BIGSERIAL PRIMARY KEY,
			key          TEXT NOT NULL,
			item_id      TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("migrating cursor schema: %w", err)
	}
	return nil
}

func (s *PostgresCursorStore) Get(ctx context.Context) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, "SELECT value FROM feed_digest_cursor WHERE key = $1", s.key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cursor: %w", err)
	}
	return value, value != "", nil
}

func (s *PostgresCursorStore) Set(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning cursor update: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO feed_digest_cursor (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		s.key, id); err != nil {
		return fmt.Errorf("writing cursor: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO feed_digest_history (key, item_id) VALUES ($1, $2)", s.key, id); err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresCursorStore) LastUpdated(ctx context.Context) (time.Time, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, "SELECT updated_at FROM feed_digest_cursor WHERE key = $1", s.key).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *PostgresCursorStore) History(ctx context.Context, limit int) ([]CursorEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT item_id, processed_at FROM feed_digest_history WHERE key = $1 ORDER BY id DESC LIMIT $2", s.key, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []CursorEntry
	for rows.Next() {
		var e CursorEntry
		if err := rows.Scan(&e.ItemID, &e.ProcessedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresCursorStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM feed_digest_cursor WHERE key = $1", s.key)
	return err
}

func (s *PostgresCursorStore) Close() error {
	s.pool.Close()
	return nil
}

// readOnlyCursor lets a dry run read the real cursor without moving it.
type readOnlyCursor struct {
	CursorStore
	logger *slog.Logger
}

func (c readOnlyCursor) Set(ctx context.Context, id string) error {
	c.logger.Info("dry run: cursor not updated", slog.String("item_id", id))
	return nil
}
