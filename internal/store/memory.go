package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryKV is an in-process KV for tests and single-node development.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) List(_ context.Context, prefix, cursor string, limit int) (*ListResult, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) && k > cursor {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)

	res := &ListResult{}
	if limit > 0 && len(keys) > limit {
		res.HasMore = true
		keys = keys[:limit]
	}
	if len(keys) > 0 {
		res.NextCursor = keys[len(keys)-1]
	}

	m.mu.RLock()
	for _, k := range keys {
		v := m.data[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		res.Pairs = append(res.Pairs, Pair{Key: k, Value: cp})
	}
	m.mu.RUnlock()
	return res, nil
}

// Len returns the number of stored keys.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Clear removes everything. Tests use this between cases.
func (m *MemoryKV) Clear() {
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()
}
