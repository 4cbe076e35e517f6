package resource

import "sync"

// Manager is a registry of live resources guarded by one coarse lock.
//
// The executor takes the lock at most once per submission, before tagging
// individual resources, so the registry cannot change underneath a
// submission that is being attached. Register and Unregister take the lock
// themselves; Contains, Len and Each expect the caller to hold it.
type Manager[T comparable] struct {
	sync.Mutex
	items map[T]struct{}
}

// NewManager returns an empty Manager.
func NewManager[T comparable]() *Manager[T] {
	return &Manager[T]{items: make(map[T]struct{})}
}

// Register adds r to the registry.
func (m *Manager[T]) Register(r T) {
	m.Lock()
	defer m.Unlock()
	if m.items == nil {
		m.items = make(map[T]struct{})
	}
	m.items[r] = struct{}{}
}

// Unregister removes r from the registry.
func (m *Manager[T]) Unregister(r T) {
	m.Lock()
	defer m.Unlock()
	delete(m.items, r)
}

// Contains reports whether r is registered. The caller holds the lock.
func (m *Manager[T]) Contains(r T) bool {
	_, ok := m.items[r]
	return ok
}

// Len returns the number of registered resources. The caller holds the lock.
func (m *Manager[T]) Len() int {
	return len(m.items)
}

// Each calls fn for every registered resource. The caller holds the lock.
func (m *Manager[T]) Each(fn func(T)) {
	for r := range m.items {
		fn(r)
	}
}
