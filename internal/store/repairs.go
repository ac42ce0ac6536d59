package store

import (
	"sort"
	"sync"
)

// Repair is a dual write into a building generation that failed while the
// live write went through. Until it is rewritten the generation holds an
// outdated entry for ID, so activating it would resurrect or lose a change.
type Repair struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Deleted bool   `json:"deleted"`
}

// newer reports whether r supersedes o for the same identifier.
func (r Repair) newer(o Repair) bool {
	if r.Version != o.Version {
		return r.Version > o.Version
	}
	return r.Deleted && !o.Deleted
}

// repairLog collects the failed dual writes of one building generation.
type repairLog struct {
	mu      sync.Mutex
	gen     string
	pending map[string]Repair
}

// reset starts collecting for gen, dropping anything recorded before.
func (l *repairLog) reset(gen string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen = gen
	l.pending = make(map[string]Repair)
}

func (l *repairLog) record(gen string, r Repair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen == "" || gen != l.gen {
		return
	}
	if cur, ok := l.pending[r.ID]; ok && !r.newer(cur) {
		return
	}
	l.pending[r.ID] = r
}

// take returns and forgets the repairs recorded for gen, ordered by identifier.
func (l *repairLog) take(gen string) []Repair {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen == "" || gen != l.gen || len(l.pending) == 0 {
		return nil
	}
	out := make([]Repair, 0, len(l.pending))
	for _, r := range l.pending {
		out = append(out, r)
	}
	l.pending = make(map[string]Repair)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *repairLog) outstanding(gen string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return 0
	}
	return len(l.pending)
}
