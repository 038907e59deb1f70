// Package keyedmtx provides mutual exclusion scoped to a key.
package keyedmtx

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	mtx  sync.Mutex
	refs int
}

// Mutex serializes callers that use the same key while allowing callers with
// different keys to proceed concurrently. Entries are removed once no caller
// holds or waits on them. The zero value is not usable, use New.
type Mutex[K comparable] struct {
	m *xsync.MapOf[K, *entry]
}

// New returns a new keyed mutex.
func New[K comparable]() *Mutex[K] {
	return &Mutex[K]{m: xsync.NewMapOf[K, *entry]()}
}

// Lock blocks until the lock for key k is held by the caller. The returned
// function releases it and must be called exactly once.
func (km *Mutex[K]) Lock(k K) (unlock func()) {
	e, _ := km.m.Compute(k, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{}
		}
		old.refs++
		return old, false
	})
	e.mtx.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mtx.Unlock()
			km.m.Compute(k, func(old *entry, loaded bool) (*entry, bool) {
				old.refs--
				return old, old.refs == 0
			})
		})
	}
}

// Len returns the number of keys currently locked or waited on.
func (km *Mutex[K]) Len() int {
	return km.m.Size()
}
