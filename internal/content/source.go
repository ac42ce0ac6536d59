package content

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by Source.Get for identifiers that do not exist.
var ErrNotFound = errors.New("content record not found")

// Source reads authoritative records.
type Source interface {
	// Get returns the current record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// ScanPublished returns up to limit published records strictly after
	// cursor in a stable order, plus the cursor for the next page. An empty
	// next cursor means the scan is complete. Records may change state
	// between pages; the scan never fails because of it.
	ScanPublished(ctx context.Context, cursor string, limit int) ([]*Record, string, error)
}

// MemorySource is an in-process Source ordered by identifier. It backs
// local runs without a database and the tests.
type MemorySource struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemorySource returns a source seeded with records.
func NewMemorySource(records ...*Record) *MemorySource {
	s := &MemorySource{records: make(map[string]*Record, len(records))}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces a record.
func (s *MemorySource) Put(r *Record) {
	cp := *r
	cp.Tags = append([]string(nil), r.Tags...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = &cp
}

// Remove deletes a record.
func (s *MemorySource) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Len returns the number of records.
func (s *MemorySource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Get implements Source.
func (s *MemorySource) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ScanPublished implements Source.
func (s *MemorySource) ScanPublished(ctx context.Context, cursor string, limit int) ([]*Record, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id, r := range s.records {
		if id > cursor && r.Published() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	next := ""
	if len(ids) > limit {
		ids = ids[:limit]
		next = ids[limit-1]
	}

	page := make([]*Record, 0, len(ids))
	for _, id := range ids {
		cp := *s.records[id]
		page = append(page, &cp)
	}
	return page, next, nil
}

var _ Source = (*MemorySource)(nil)
