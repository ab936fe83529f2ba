package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"RemoteSettings/internal/logger"
)

// fileExtension is appended to every sanitized key.
const fileExtension = ".bin"

// FileStorage keeps one file per key under a folder.
//
// Keys are mapped to file names by replacing the path separator and '.' with
// '-'. Distinct keys can collide ("a/b" and "a-b" share a file); callers that
// need distinct entries must pick keys that differ after sanitization.
type FileStorage struct {
	folder string // folder holds the cache files
}

// NewFileStorage creates a file store rooted at folder, creating it if needed.
func NewFileStorage(folder string) (*FileStorage, error) {
	if folder == "" {
		folder = "."
	}

	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Key: folder, Err: err}
	}

	return &FileStorage{folder: folder}, nil
}

// PathFor returns the file that holds key.
func (s *FileStorage) PathFor(key string) string {
	slug := strings.ReplaceAll(key, string(os.PathSeparator), "-")
	slug = strings.ReplaceAll(slug, "/", "-")
	slug = strings.ReplaceAll(slug, ".", "-")

	return filepath.Join(s.folder, slug+fileExtension)
}

// Store writes value to a temporary file, syncs it and renames it over the
// key's file, so readers see either the old or the new value.
func (s *FileStorage) Store(key string, value []byte) error {
	path := s.PathFor(key)

	tmp, err := os.CreateTemp(s.folder, filepath.Base(path)+".tmp-*")
	if err != nil {
		logger.Error("couldn't create cache file", "path", path, "error", err)
		return &Error{Op: "open", Key: key, Err: err}
	}

	tmpPath := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		return &Error{Op: "write", Key: key, Err: err}
	}

	if err := tmp.Sync(); err != nil {
		return &Error{Op: "sync", Key: key, Err: err}
	}

	if err := tmp.Close(); err != nil {
		return &Error{Op: "close", Key: key, Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return &Error{Op: "rename", Key: key, Err: err}
	}
	committed = true

	syncDir(s.folder)

	logger.Debug("wrote cache file", "key", key, "bytes", len(value), "path", path)

	return nil
}

// Retrieve reads the key's file. Any read failure is reported as absence:
// a missing file is logged at debug level, other failures as warnings.
func (s *FileStorage) Retrieve(key string) ([]byte, error) {
	path := s.PathFor(key)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("cache file not found", "path", path)
		return nil, nil
	}
	if err != nil {
		logger.Warn("couldn't read cache file, treating as empty", "path", path, "error", err)
		return nil, nil
	}

	if data == nil {
		data = []byte{}
	}

	logger.Debug("read cache file", "key", key, "bytes", len(data), "path", path)

	return data, nil
}

// String describes the store for logs.
func (s *FileStorage) String() string {
	return fmt.Sprintf("file(%s)", s.folder)
}

// syncDir flushes the directory entry after a rename. Failures are ignored
// because some platforms cannot open directories for syncing.
func syncDir(folder string) {
	dir, err := os.Open(folder)
	if err != nil {
		return
	}
	defer dir.Close()

	_ = dir.Sync()
}
