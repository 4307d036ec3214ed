package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

type localBackend struct {
	path string
}

// NewLocal creates a store backed by a directory on disk.
func NewLocal(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return newStore(&localBackend{path: path}, logger), nil
}

func (l *localBackend) String() string { return "local" }

func (l *localBackend) read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.path, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

func (l *localBackend) write(_ context.Context, key string, data []byte) error {
	// Write then rename so a concurrent reader never sees a half-written document.
	tmp := filepath.Join(l.path, "."+key+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(l.path, key)); err != nil {
		return fmt.Errorf("rename in local storage: %w", err)
	}
	return nil
}

func (l *localBackend) remove(_ context.Context, key string) error {
	if err := os.Remove(filepath.Join(l.path, key)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (l *localBackend) keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}
