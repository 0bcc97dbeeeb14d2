// Package keymutex provides mutual exclusion per string key.
package keymutex

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v2"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyMutex hands out one mutex per key. An entry lives while some caller
// holds or waits for its lock and is dropped on the last unlock.
type KeyMutex struct {
	locks *xsync.MapOf[string, *entry]
}

// New returns an empty KeyMutex
func New() *KeyMutex {
	return &KeyMutex{locks: xsync.NewMapOf[*entry]()}
}

// Lock locks key and returns the matching unlock function
func (km *KeyMutex) Lock(key string) func() {
	e, _ := km.locks.Compute(key, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			e = &entry{}
		}
		e.refs++
		return e, false
	})
	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			km.locks.Compute(key, func(e *entry, loaded bool) (*entry, bool) {
				e.refs--
				return e, e.refs == 0
			})
		})
	}
}

// Len returns the number of keys currently locked or waited on
func (km *KeyMutex) Len() int {
	return km.locks.Size()
}
