// Package storage defines the key to blob persistence used by the client
// cache and provides filesystem, in-memory, Pebble and SQLite backends.
//
// Retrieve returns a nil value and a nil error when nothing is stored under
// a key. Backends store empty values as non-nil empty slices so the two cases
// stay distinguishable.
package storage

import (
	"errors"
	"fmt"
)

// Storage persists byte blobs by key.
type Storage interface {
	// Store durably persists value under key, replacing any previous value.
	Store(key string, value []byte) error

	// Retrieve returns the last value stored under key, or nil if there is none.
	Retrieve(key string) ([]byte, error)
}

// ErrStorage matches every *Error with errors.Is.
var ErrStorage = errors.New("storage error")

// Error reports a failed persistence operation.
type Error struct {
	Op  string // Op is the operation that failed (open, write, sync, ...)
	Key string // Key is the logical key involved
	Err error  // Err is the underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %q:\n%v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStorage.
func (e *Error) Is(target error) bool {
	return target == ErrStorage
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open creates a backend by name. location is a folder for file and pebble,
// a database path for sqlite, and ignored for memory.
func Open(backend, location string) (Storage, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStorage(location)
	case BackendPebble:
		return NewPebbleStorage(location)
	case BackendSQLite:
		return NewSQLiteStorage(location)
	case BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// Close closes s if it holds resources.
func Close(s Storage) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
