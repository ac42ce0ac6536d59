package store

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// fakeMeili is an in-memory stand-in for the Meilisearch service that
// understands the filter expressions the backend emits.
type fakeMeili struct {
	mu      sync.Mutex
	indexes map[string]map[string]meiliDocument
	healthy bool
	// err, when set, is returned by every call.
	err error
	// ensureErr, when set, is returned by EnsureIndex only.
	ensureErr error
	// putErr, when set for a uid, is returned by Put on that index.
	putErr map[string]error
}

func newFakeMeili() *fakeMeili {
	return &fakeMeili{indexes: make(map[string]map[string]meiliDocument), healthy: true}
}

func (f *fakeMeili) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeMeili) EnsureIndex(ctx context.Context, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if _, ok := f.indexes[uid]; !ok {
		f.indexes[uid] = make(map[string]meiliDocument)
	}
	return nil
}

func (f *fakeMeili) DeleteIndex(ctx context.Context, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.indexes, uid)
	return nil
}

func (f *fakeMeili) Swap(ctx context.Context, a, b string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.indexes[a], f.indexes[b] = f.indexes[b], f.indexes[a]
	return nil
}

func (f *fakeMeili) index(uid string) map[string]meiliDocument {
	idx, ok := f.indexes[uid]
	if !ok {
		idx = make(map[string]meiliDocument)
		f.indexes[uid] = idx
	}
	return idx
}

func (f *fakeMeili) failPuts(uid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr == nil {
		f.putErr = make(map[string]error)
	}
	f.putErr[uid] = err
}

func (f *fakeMeili) Put(ctx context.Context, uid string, docs []meiliDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := f.putErr[uid]; err != nil {
		return err
	}
	idx := f.index(uid)
	for _, d := range docs {
		idx[d.ID] = d
	}
	return nil
}

func (f *fakeMeili) Remove(ctx context.Context, uid, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.index(uid), id)
	return nil
}

func (f *fakeMeili) Versions(ctx context.Context, uid string, ids []string) (map[string]meiliDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]meiliDocument)
	idx := f.index(uid)
	for _, id := range ids {
		if d, ok := idx[id]; ok {
			out[id] = meiliDocument{ID: d.ID, Version: d.Version, Deleted: d.Deleted}
		}
	}
	return out, nil
}

func (f *fakeMeili) Tombstones(ctx context.Context, uid string, offset, limit int) ([]meiliDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var all []meiliDocument
	for _, d := range f.index(uid) {
		if d.Deleted {
			all = append(all, meiliDocument{ID: d.ID, Version: d.Version, Deleted: true})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

var quotedPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)

func unquoteAll(s string) []string {
	var out []string
	for _, q := range quotedPattern.FindAllString(s, -1) {
		v, err := strconv.Unquote(q)
		if err == nil {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeMeili) matchesFilter(d meiliDocument, filter string) bool {
	if filter == "" {
		return true
	}
	for _, clause := range strings.Split(filter, " AND ") {
		switch {
		case clause == "deleted = false":
			if d.Deleted {
				return false
			}
		case strings.HasPrefix(clause, "category = "):
			if d.Category != unquoteAll(clause)[0] {
				return false
			}
		case strings.HasPrefix(clause, "tags = "):
			want := unquoteAll(clause)[0]
			found := false
			for _, t := range d.Tags {
				found = found || t == want
			}
			if !found {
				return false
			}
		case strings.HasPrefix(clause, "id IN "):
			found := false
			for _, id := range unquoteAll(clause) {
				found = found || id == d.ID
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func fakeScore(d meiliDocument, tokens []string) (float64, bool) {
	fields := []struct {
		text   string
		weight float64
	}{
		{d.Title, 3}, {strings.Join(d.Tags, " "), 2}, {d.Summary, 1.5}, {d.Body, 1},
	}
	var score float64
	for _, tok := range tokens {
		hit := false
		for _, fl := range fields {
			for _, w := range TokenizeText(fl.text) {
				if w == tok {
					score += fl.weight
					hit = true
					break
				}
			}
		}
		if !hit {
			return 0, false
		}
	}
	return score / (7.5 * float64(len(tokens))), true
}

func (f *fakeMeili) Search(ctx context.Context, uid string, req meiliSearch) (*meiliResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	type scored struct {
		doc   meiliDocument
		score float64
	}
	tokens := queryTokens(req.Query)
	var matches []scored
	for _, d := range f.index(uid) {
		if !f.matchesFilter(d, req.Filter) {
			continue
		}
		s, ok := fakeScore(d, tokens)
		if len(tokens) > 0 && !ok {
			continue
		}
		matches = append(matches, scored{d, s})
	}

	byRecency := len(req.Sort) > 0 && req.Sort[0] == "updated_at:desc"
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !byRecency && a.score != b.score {
			return a.score > b.score
		}
		if a.doc.UpdatedAt != b.doc.UpdatedAt {
			return a.doc.UpdatedAt > b.doc.UpdatedAt
		}
		return a.doc.ID < b.doc.ID
	})

	res := &meiliResult{Estimated: len(matches)}
	for i := req.Offset; i < len(matches) && i < req.Offset+req.Limit; i++ {
		d := matches[i].doc
		res.Hits = append(res.Hits, map[string]any{
			"id":            d.ID,
			"title":         d.Title,
			"slug":          d.Slug,
			"summary":       d.Summary,
			"updated_at":    float64(d.UpdatedAt),
			"_rankingScore": matches[i].score,
		})
	}
	return res, nil
}

func (f *fakeMeili) Healthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy && f.err == nil
}

var _ meiliAPI = (*fakeMeili)(nil)
