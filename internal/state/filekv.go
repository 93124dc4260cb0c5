package state

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/rollcall/internal/types"
)

// FileKV is a durable KV store keeping one file per key under kv/.
// Writes go through a temp file and a rename so a crash never leaves a
// half-written value behind.
type FileKV struct {
	root string
	mu   sync.RWMutex
}

// NewFileKV creates a file-backed KV store rooted at the given directory.
func NewFileKV(root string) *FileKV {
	return &FileKV{root: root}
}

func (f *FileKV) dir() string {
	return filepath.Join(f.root, "kv")
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir(), url.PathEscape(key))
}

func (f *FileKV) Get(_ context.Context, key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", types.ErrNotFound
		}
		return "", &types.StorageError{Op: "get", Key: key, Err: err}
	}
	return string(data), nil
}

func (f *FileKV) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir(), 0o755); err != nil {
		return &types.StorageError{Op: "set", Key: key, Err: fmt.Errorf("create kv dir: %w", err)}
	}

	// Atomic write: write to temp file then rename
	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return &types.StorageError{Op: "set", Key: key, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &types.StorageError{Op: "set", Key: key, Err: fmt.Errorf("rename temp file: %w", err)}
	}
	return nil
}

func (f *FileKV) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return &types.StorageError{Op: "remove", Key: key, Err: err}
	}
	return nil
}
