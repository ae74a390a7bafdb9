// Package byfn provides a generic thread-safe per-function object store.
// Executor pools, log rings, and other per-function state all follow the
// same map[string]T + sync.RWMutex pattern; this replaces the hand-written
// variants.
package byfn

import "sync"

// Manager holds one item per function id.
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add stores an item for the given function ID.
func (m *Manager[T]) Add(functionID string, item T) {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]T)
	}
	m.items[functionID] = item
	m.mu.Unlock()
}

// Get retrieves the item for the given function ID.
func (m *Manager[T]) Get(functionID string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[functionID]
	m.mu.RUnlock()
	return v, ok
}

// GetOrCreate returns the item for the function ID, building it under the
// write lock on first use. Functions appear at runtime, so unlike static
// route tables the pool cannot be pre-populated.
func (m *Manager[T]) GetOrCreate(functionID string, build func() T) T {
	m.mu.RLock()
	v, ok := m.items[functionID]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[functionID]; ok {
		return v
	}
	if m.items == nil {
		m.items = make(map[string]T)
	}
	v = build()
	m.items[functionID] = v
	return v
}

// Delete removes the item for the given function ID.
func (m *Manager[T]) Delete(functionID string) {
	m.mu.Lock()
	delete(m.items, functionID)
	m.mu.Unlock()
}

// FunctionIDs returns all function IDs that have items stored.
func (m *Manager[T]) FunctionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	return ids
}

// Range iterates over all items. Return false from fn to stop early.
func (m *Manager[T]) Range(fn func(id string, item T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, item := range m.items {
		if !fn(id, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear removes all stored items.
func (m *Manager[T]) Clear() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}
