package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	yaml "github.com/goccy/go-yaml"

	customerrors "github.com/bavix/nestbridge/internal/errors"
)

const (
	fileStorePerm = 0o600
	fileStoreDir  = 0o700
)

// FileStore keeps all values in one YAML document. Writes replace the file
// atomically through a temporary file in the same directory.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.readLocked()
	if err != nil {
		return "", err
	}

	v, ok := values[key]
	if !ok {
		return "", customerrors.ErrKeyNotFound
	}

	return v, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.readLocked()
	if err != nil {
		return err
	}

	values[key] = value

	return f.writeLocked(values)
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.readLocked()
	if err != nil {
		return err
	}

	if _, ok := values[key]; !ok {
		return nil
	}

	delete(values, key)

	return f.writeLocked(values)
}

func (f *FileStore) readLocked() (map[string]string, error) {
	values := make(map[string]string)

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", f.path, err)
	}

	if err := yaml.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", f.path, err)
	}

	if values == nil {
		values = make(map[string]string)
	}

	return values, nil
}

func (f *FileStore) writeLocked(values map[string]string) error {
	out, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, fileStoreDir); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("write temp state file: %w", err)
	}

	if err := tmp.Chmod(fileStorePerm); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("chmod temp state file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}
