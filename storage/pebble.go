package storage

import (
	"errors"

	"github.com/cockroachdb/pebble"

	"RemoteSettings/internal/logger"
)

// PebbleStorage keeps cache blobs in a Pebble database.
// Every write is synced to the WAL before returning.
type PebbleStorage struct {
	db   *pebble.DB // db is the underlying Pebble database
	path string     // path is the database directory
}

// NewPebbleStorage opens or creates a Pebble database at path.
func NewPebbleStorage(path string) (*PebbleStorage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(8 << 20), // 8 MB cache
		MemTableSize:                4 << 20,                  // 4 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, &Error{Op: "open", Key: path, Err: err}
	}

	return &PebbleStorage{db: db, path: path}, nil
}

// Store replaces the value for key and syncs the write.
func (s *PebbleStorage) Store(key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		logger.Error("couldn't write cache entry", "key", key, "db", s.path, "error", err)
		return &Error{Op: "write", Key: key, Err: err}
	}

	logger.Debug("wrote cache entry", "key", key, "bytes", len(value), "db", s.path)

	return nil
}

// Retrieve returns the value for key, or nil if it does not exist.
// Read failures other than a missing key are logged and reported as absence.
func (s *PebbleStorage) Retrieve(key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		logger.Warn("couldn't read cache entry, treating as empty", "key", key, "db", s.path, "error", err)
		return nil, nil
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Delete removes a key from the store.
func (s *PebbleStorage) Delete(key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Keys returns every stored key starting with prefix, in lexicographic order.
func (s *PebbleStorage) Keys(prefix string) ([]string, error) {
	var keys []string

	err := s.IteratePrefix([]byte(prefix), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "iterate", Key: prefix, Err: err}
	}

	return keys, nil
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
// Uses Pebble's iterator bounds for efficient prefix scanning.
func (s *PebbleStorage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF or empty (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close closes the database.
func (s *PebbleStorage) Close() error {
	return s.db.Close()
}
