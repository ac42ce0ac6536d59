// Package keylock serializes work per key without growing a lock per key.
package keylock

import (
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultStripes is the stripe count used when none is given.
const DefaultStripes = 256

// Striped maps keys onto a fixed set of mutexes. Two keys may share a
// stripe, so holders must never take a second key while holding one.
type Striped struct {
	stripes []sync.Mutex
}

// New returns a lock set with n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its release function.
func (s *Striped) Lock(key string) (unlock func()) {
	m := &s.stripes[s.index(key)]
	m.Lock()
	return m.Unlock
}

// LockAll acquires the stripes of every key in ascending stripe order, so
// concurrent callers cannot deadlock. It returns one release per stripe.
func (s *Striped) LockAll(keys []string) []func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := s.index(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	unlocks := make([]func(), len(idx))
	for n, i := range idx {
		m := &s.stripes[i]
		m.Lock()
		unlocks[n] = m.Unlock
	}
	return unlocks
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.stripes)))
}
