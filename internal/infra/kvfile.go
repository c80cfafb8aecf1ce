// Package infra implements infrastructure concerns (storage, process,
// scheduling, registry).
package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stridegate/stridegate/internal/domain"
)

// FileKVStore implements domain.KeyValueStore as one file per key under a
// data directory. Writes are atomic (temp file + rename), so a reader never
// observes a half-written value; this is what makes the file-backed state
// bus safe to poll from the agent process.
type FileKVStore struct {
	dir string
}

// NewFileKVStore creates the store, making the directory if needed.
func NewFileKVStore(dir string) (*FileKVStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	return &FileKVStore{dir: dir}, nil
}

// Get returns the stored bytes, or ErrKeyNotFound.
func (s *FileKVStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

// Set overwrites the value under key atomically.
func (s *FileKVStore) Set(key string, value []byte) error {
	path := s.keyPath(key)

	// Unique per process to avoid racing a concurrent writer's temp file.
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, value, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Dir returns the backing directory (for the status command).
func (s *FileKVStore) Dir() string {
	return s.dir
}

func (s *FileKVStore) keyPath(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

// sanitizeKey maps a namespaced key like "stridegate:v1:daily_ledger" to a
// filesystem-safe filename.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

var _ domain.KeyValueStore = (*FileKVStore)(nil)
