package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"RemoteSettings/internal/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLiteStorage keeps cache blobs in a single SQLite table.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens or creates the database at path (":memory:" works).
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &Error{Op: "open", Key: path, Err: err}
	}

	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil && path != ":memory:" {
		db.Close()
		return nil, &Error{Op: "open", Key: path, Err: fmt.Errorf("enable WAL:\n%w", err)}
	}

	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, &Error{Op: "open", Key: path, Err: fmt.Errorf("set synchronous:\n%w", err)}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &Error{Op: "open", Key: path, Err: fmt.Errorf("create schema:\n%w", err)}
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

// Store upserts value for key.
func (s *SQLiteStorage) Store(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO cache (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		logger.Error("couldn't write cache row", "key", key, "db", s.path, "error", err)
		return &Error{Op: "write", Key: key, Err: err}
	}

	logger.Debug("wrote cache row", "key", key, "bytes", len(value), "db", s.path)

	return nil
}

// Retrieve returns the value for key, or nil if there is no row.
// Query failures are logged and reported as absence.
func (s *SQLiteStorage) Retrieve(key string) ([]byte, error) {
	var value []byte

	err := s.db.QueryRow(`SELECT value FROM cache WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logger.Warn("couldn't read cache row, treating as empty", "key", key, "db", s.path, "error", err)
		return nil, nil
	}

	if value == nil {
		value = []byte{}
	}

	return value, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
