package singlesetmap

import "sync"

// Map is a set with entries that can only be added once. Set reports whether
// the entry was already present, which makes it usable as the visited set of a
// graph walk that may be entered concurrently.
type Map[K comparable] struct {
	mtx   sync.Mutex
	m     map[K]struct{}
	order []K
}

// Set marks the passed entry key as set. Returns true if the entry was
// previously set, false if this operation actually set the entry.
func (m *Map[K]) Set(k K) (wasSet bool) {
	m.mtx.Lock()
	if m.m == nil {
		m.m = make(map[K]struct{}, 1)
	}
	_, wasSet = m.m[k]
	if !wasSet {
		m.m[k] = struct{}{}
		m.order = append(m.order, k)
	}
	m.mtx.Unlock()
	return
}

// Len returns the number of set entries.
func (m *Map[K]) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.order)
}

// Keys returns the set entries in the order they were first set.
func (m *Map[K]) Keys() []K {
	m.mtx.Lock()
	res := make([]K, len(m.order))
	copy(res, m.order)
	m.mtx.Unlock()
	return res
}
