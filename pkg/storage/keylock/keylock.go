// Package keylock serializes work per key with a fixed set of striped
// mutexes.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 64

// Locks is a striped mutex. Distinct keys may share a stripe; a key always
// maps to the same one.
type Locks struct {
	stripes []sync.Mutex
}

// New returns Locks with n stripes, or 64 when n <= 0.
func New(n int) *Locks {
	if n <= 0 {
		n = defaultStripes
	}
	return &Locks{stripes: make([]sync.Mutex, n)}
}

// Lock acquires key's stripe and returns its release func.
func (l *Locks) Lock(key string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}
