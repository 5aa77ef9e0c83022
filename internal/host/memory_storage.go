package host

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStorage is an in-process Storage used by tests and the CLI demo.
type MemoryStorage struct {
	mu      sync.Mutex
	records map[string]Record
	seq     uint64
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]Record)}
}

func storageKey(ns Namespace, key string) string {
	return ns.String() + "|" + key
}

func (m *MemoryStorage) Get(ctx context.Context, ns Namespace, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[storageKey(ns, key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	value := append([]byte(nil), rec.Value...)
	return Record{Value: value, Version: rec.Version}, nil
}

func (m *MemoryStorage) Set(ctx context.Context, ns Namespace, key string, value []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storageKey(ns, key)
	if expectedVersion != "" {
		current, ok := m.records[k]
		if !ok || current.Version != expectedVersion {
			return "", ErrConflict
		}
	}
	m.seq++
	version := strconv.FormatUint(m.seq, 10)
	m.records[k] = Record{Value: append([]byte(nil), value...), Version: version}
	return version, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, ns Namespace, key string, expectedVersion string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storageKey(ns, key)
	current, ok := m.records[k]
	if !ok {
		return nil
	}
	if expectedVersion != "" && current.Version != expectedVersion {
		return ErrConflict
	}
	delete(m.records, k)
	return nil
}
