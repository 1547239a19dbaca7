package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// connectionTimeout bounds the initial ping and every statement.
	connectionTimeout = 5 * time.Second

	schema = `CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`
)

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. The directory is created if missing.
	Path string

	// WALMode enables write-ahead logging.
	WALMode bool

	// BusyTimeout is how long to wait for a database lock.
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns a configuration for the database at path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:        path,
		WALMode:     true,
		BusyTimeout: 5 * time.Second,
	}
}

// SQLiteStore persists settings in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

// OpenSQLiteStore opens (creating if needed) the database described by cfg.
func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("creating settings table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(key string) (string, bool, error) {
	ctx, cancel, err := s.begin()
	if err != nil {
		return "", false, err
	}
	defer s.end(cancel)

	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(key, value string) error {
	ctx, cancel, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end(cancel)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(key string) error {
	ctx, cancel, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end(cancel)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *SQLiteStore) Keys(prefix string) ([]string, error) {
	ctx, cancel, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer s.end(cancel)

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM settings WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("listing keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) begin() (context.Context, context.CancelFunc, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	return ctx, cancel, nil
}

func (s *SQLiteStore) end(cancel context.CancelFunc) {
	cancel()
	s.mu.RUnlock()
}
