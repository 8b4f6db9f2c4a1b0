package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a single-file SQLite database. Records carry
// an expires_at column; expired rows are invisible to reads and reclaimed
// by PurgeExpired or the purge loop.
type SQLite struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex

	stopCh chan struct{}
	once   sync.Once
}

// DefaultDBPath returns the default database location under XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "sitesmith", "results.db")
}

// OpenSQLite opens (creating if needed) a SQLite store at the given path.
// WAL mode is enabled for concurrent reads.
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLite{
		conn:   conn,
		path:   path,
		stopCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// migrate creates the kv table if it does not exist.
func (s *SQLite) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

// Put writes value under key. A ttl <= 0 means the entry never expires.
func (s *SQLite) Put(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %q: %w", key, err)
	}

	var expiresAt sql.NullString
	if ttl > 0 {
		expiresAt = sql.NullString{String: formatTime(time.Now().Add(ttl)), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.Exec(`
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, data, expiresAt)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Get reads the value at key into dest.
func (s *SQLite) Get(key string, dest any) error {
	s.mu.RLock()
	row := s.conn.QueryRow(`
		SELECT value FROM kv
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`, key, formatTime(time.Now()))
	s.mu.RUnlock()

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get %q: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal value for %q: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLite) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys returns all live keys with the given prefix.
func (s *SQLite) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	rows, err := s.conn.Query(`
		SELECT key FROM kv
		WHERE key LIKE ? || '%' AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, prefix, formatTime(time.Now()))
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("list keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close stops the purge loop and closes the database.
func (s *SQLite) Close() error {
	s.once.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// PurgeExpired deletes expired rows and returns the number reclaimed.
func (s *SQLite) PurgeExpired() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`
		DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// StartPurgeLoop runs PurgeExpired every interval until Close is called.
func (s *SQLite) StartPurgeLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.PurgeExpired(); err != nil {
					// Purge failures are retried on the next tick.
					continue
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// timeLayout is fixed width, unlike RFC3339Nano, so stored timestamps
// compare lexicographically in time order across sub-second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
