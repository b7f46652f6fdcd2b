package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists each key as a file under a directory. Keys map to file
// names with path separators replaced, so callers may use dotted keys like
// "auth.access_token". Files are written 0600 under a 0700 directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store: dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Get returns the value for key, or ErrNotFound.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read %q: %w", key, err)
	}
	return b, nil
}

// Put stores value under key. The write goes through a temp file and rename
// so a crash mid-write cannot leave a truncated value behind.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(key)
	return filepath.Join(s.dir, name+".json")
}
