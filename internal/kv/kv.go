// Package kv persists small string values (credentials, last known ids)
// behind a pluggable backend.
package kv

import (
	"context"
	"fmt"
	"sync"

	"github.com/bavix/nestbridge/internal/config"
	customerrors "github.com/bavix/nestbridge/internal/errors"
)

// Store is a string key-value store. Get returns ErrKeyNotFound for absent keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Open builds the store configured in cfg, sealed when a secret is set.
func Open(cfg config.StorageConfig) (Store, func() error, error) {
	var (
		store Store
		closer = func() error { return nil }
	)

	switch cfg.Driver {
	case config.StorageDriverSQLite:
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}

		store, closer = s, s.Close
	case config.StorageDriverFile, "":
		store = NewFileStore(cfg.Path)
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	key, ok, err := (&config.Config{Storage: cfg}).SecretKey()
	if err != nil {
		_ = closer()

		return nil, nil, err
	}

	if ok {
		store = NewSealed(store, key)
	}

	return store, closer, nil
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return "", customerrors.ErrKeyNotFound
	}

	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value

	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)

	return nil
}
