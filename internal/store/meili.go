package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/keylock"
)

const (
	shadowSuffix       = "__shadow"
	meiliTombstonePage = 1000
)

// MeiliOptions configures the external backend.
type MeiliOptions struct {
	URL          string
	APIKey       string
	IndexUID     string
	TaskTimeout  time.Duration
	PollInterval time.Duration
}

// MeiliBackend is the external backend. The live index keeps a fixed uid;
// a generation is built in a shadow index and activated with an index swap.
type MeiliBackend struct {
	api    meiliAPI
	uid    string
	shadow string
	locks  *keylock.Striped
	logger *slog.Logger

	mu       sync.RWMutex
	building string
	repairs  repairLog
	ready    atomic.Bool
	closed   atomic.Bool
}

// NewMeiliBackend returns a backend talking to the service at opts.URL. It
// performs no network call; the index is set up on first use.
func NewMeiliBackend(opts MeiliOptions, logger *slog.Logger) *MeiliBackend {
	return newMeiliBackend(newSDKClient(opts.URL, opts.APIKey, opts.TaskTimeout, opts.PollInterval), opts.IndexUID, logger)
}

func newMeiliBackend(api meiliAPI, uid string, logger *slog.Logger) *MeiliBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if uid == "" {
		uid = "tutorials"
	}
	return &MeiliBackend{
		api:    api,
		uid:    uid,
		shadow: uid + shadowSuffix,
		locks:  keylock.New(keylock.DefaultStripes),
		logger: logger,
	}
}

// Kind implements Backend.
func (m *MeiliBackend) Kind() Kind { return KindExternal }

func (m *MeiliBackend) wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) && !errors.As(err, new(*meiliStatusError)) {
		return err
	}
	var se *meiliStatusError
	if errors.As(err, &se) && se.rejected() {
		return tserrors.BackendRejected(string(KindExternal), id, se.Error())
	}
	return tserrors.BackendUnavailable(string(KindExternal), op, err)
}

// ensureReady configures the live index once per process.
func (m *MeiliBackend) ensureReady(ctx context.Context) error {
	if m.closed.Load() {
		return tserrors.BackendUnavailable(string(KindExternal), "ensure index", fmt.Errorf("backend is closed"))
	}
	if m.ready.Load() {
		return nil
	}
	if err := m.api.EnsureIndex(ctx, m.uid); err != nil {
		return m.wrap("ensure index", "", err)
	}
	m.ready.Store(true)
	return nil
}

func toMeiliDocument(doc *Document) meiliDocument {
	return meiliDocument{
		ID:        doc.ID,
		Version:   strconv.FormatInt(doc.Version, 10),
		Title:     doc.Title,
		Slug:      doc.Slug,
		Summary:   doc.Summary,
		Body:      doc.Body,
		Tags:      doc.Tags,
		Category:  doc.Category,
		AuthorID:  doc.AuthorID,
		UpdatedAt: doc.UpdatedAt.UTC().UnixMilli(),
	}
}

func (d meiliDocument) version() int64 {
	v, _ := strconv.ParseInt(d.Version, 10, 64)
	return v
}

// Upsert implements Backend.
func (m *MeiliBackend) Upsert(ctx context.Context, doc *Document) error {
	if doc == nil || doc.ID == "" {
		return tserrors.BackendRejected(string(KindExternal), "", "document has no identifier")
	}
	if err := m.ensureReady(ctx); err != nil {
		return err
	}

	unlock := m.locks.Lock(doc.ID)
	defer unlock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	liveErr := m.upsertInto(ctx, m.uid, doc)
	if m.building != "" {
		if err := m.upsertInto(ctx, m.shadow, doc); err != nil && !tserrors.IsStaleWrite(err) {
			m.buildingWriteFailed(Repair{ID: doc.ID, Version: doc.Version}, err)
		}
	}
	return liveErr
}

// buildingWriteFailed keeps a failed dual write for the reindexer to redo.
// Caller holds m.mu.
func (m *MeiliBackend) buildingWriteFailed(r Repair, err error) {
	m.repairs.record(m.building, r)
	m.logger.Warn("meili_building_write_failed",
		slog.String("id", r.ID),
		slog.Int64("version", r.Version),
		slog.Bool("deleted", r.Deleted),
		slog.String("generation", m.building),
		slog.String("error", err.Error()))
}

func (m *MeiliBackend) upsertInto(ctx context.Context, uid string, doc *Document) error {
	cur, err := m.api.Versions(ctx, uid, []string{doc.ID})
	if err != nil {
		return m.wrap("read version", doc.ID, err)
	}
	if c, ok := cur[doc.ID]; ok && c.version() >= doc.Version {
		return tserrors.StaleWrite(doc.ID, doc.Version, c.version())
	}
	return m.wrap("upsert", doc.ID, m.api.Put(ctx, uid, []meiliDocument{toMeiliDocument(doc)}))
}

// Delete implements Backend.
func (m *MeiliBackend) Delete(ctx context.Context, id string, version int64) error {
	if id == "" {
		return tserrors.BackendRejected(string(KindExternal), "", "delete has no identifier")
	}
	if err := m.ensureReady(ctx); err != nil {
		return err
	}

	unlock := m.locks.Lock(id)
	defer unlock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	liveErr := m.deleteFrom(ctx, m.uid, id, version)
	if m.building != "" {
		if err := m.deleteFrom(ctx, m.shadow, id, version); err != nil && !tserrors.IsStaleWrite(err) {
			m.buildingWriteFailed(Repair{ID: id, Version: version, Deleted: true}, err)
		}
	}
	return liveErr
}

func (m *MeiliBackend) deleteFrom(ctx context.Context, uid, id string, version int64) error {
	if version <= 0 {
		return m.wrap("delete", id, m.api.Remove(ctx, uid, id))
	}

	cur, err := m.api.Versions(ctx, uid, []string{id})
	if err != nil {
		return m.wrap("read version", id, err)
	}
	if c, ok := cur[id]; ok && c.version() > version {
		return tserrors.StaleWrite(id, version, c.version())
	}
	tomb := meiliDocument{ID: id, Version: strconv.FormatInt(version, 10), Deleted: true}
	return m.wrap("delete", id, m.api.Put(ctx, uid, []meiliDocument{tomb}))
}

// BulkLoad implements Backend. Versions already in the shadow index are read
// in one request, so documents written there by live traffic are not
// overwritten with older ones.
func (m *MeiliBackend) BulkLoad(ctx context.Context, gen Generation, docs []*Document) (*BulkResult, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc != nil && doc.ID != "" {
			ids = append(ids, doc.ID)
		}
	}

	// Keys before the pointer lock, as in Upsert. Holding every key for the
	// whole batch keeps live dual writes from interleaving.
	for _, unlock := range m.locks.LockAll(ids) {
		defer unlock()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return nil, tserrors.BackendUnavailable(string(KindExternal), "bulk load", fmt.Errorf("backend is closed"))
	}
	if m.building == "" || m.building != gen.ID {
		return nil, tserrors.New(tserrors.ErrCodeGenerationNotFound,
			fmt.Sprintf("generation %q is not being built", gen.ID), nil)
	}

	res := newBulkResult()
	if len(ids) == 0 {
		return res, nil
	}

	cur, err := m.api.Versions(ctx, m.shadow, ids)
	if err != nil {
		return nil, m.wrap("bulk load", "", err)
	}

	batch := make([]meiliDocument, 0, len(ids))
	for _, doc := range docs {
		if doc == nil || doc.ID == "" {
			continue
		}
		if c, ok := cur[doc.ID]; ok && c.version() >= doc.Version {
			res.Stale++
			continue
		}
		batch = append(batch, toMeiliDocument(doc))
	}
	if len(batch) == 0 {
		return res, nil
	}

	if err := m.api.Put(ctx, m.shadow, batch); err != nil {
		werr := m.wrap("bulk load", "", err)
		for _, d := range batch {
			res.fail(d.ID, werr)
		}
		return res, nil
	}
	res.Loaded = len(batch)
	return res, nil
}

// BeginGeneration implements Backend.
func (m *MeiliBackend) BeginGeneration(ctx context.Context) (Generation, error) {
	if err := m.ensureReady(ctx); err != nil {
		return Generation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.building != "" {
		return Generation{}, tserrors.New(tserrors.ErrCodeReindexInProgress,
			fmt.Sprintf("generation %s is already being built", m.building), nil)
	}

	// A shadow left by an interrupted build is replaced.
	if err := m.api.DeleteIndex(ctx, m.shadow); err != nil {
		return Generation{}, m.wrap("begin generation", "", err)
	}
	if err := m.api.EnsureIndex(ctx, m.shadow); err != nil {
		return Generation{}, m.wrap("begin generation", "", err)
	}
	carried, err := m.copyTombstones(ctx)
	if err != nil {
		_ = m.api.DeleteIndex(context.WithoutCancel(ctx), m.shadow)
		return Generation{}, m.wrap("carry tombstones", "", err)
	}

	now := time.Now().UTC()
	m.building = newGenerationID(now)
	m.repairs.reset(m.building)
	m.logger.Info("meili_generation_started",
		slog.String("generation", m.building),
		slog.String("index", m.shadow),
		slog.Int("tombstones", carried))
	return Generation{ID: m.building, Backend: KindExternal, StartedAt: now}, nil
}

// copyTombstones writes every live tombstone into the shadow index. Caller
// holds m.mu exclusively, so no dual write interleaves.
func (m *MeiliBackend) copyTombstones(ctx context.Context) (int, error) {
	copied := 0
	for offset := 0; ; offset += meiliTombstonePage {
		page, err := m.api.Tombstones(ctx, m.uid, offset, meiliTombstonePage)
		if err != nil {
			return copied, err
		}
		if len(page) > 0 {
			if err := m.api.Put(ctx, m.shadow, page); err != nil {
				return copied, err
			}
			copied += len(page)
		}
		if len(page) < meiliTombstonePage {
			return copied, nil
		}
	}
}

// BuildRepairs implements Backend.
func (m *MeiliBackend) BuildRepairs(gen Generation) []Repair {
	return m.repairs.take(gen.ID)
}

// ActivateGeneration implements Backend.
func (m *MeiliBackend) ActivateGeneration(ctx context.Context, gen Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.building == "" || m.building != gen.ID {
		return tserrors.New(tserrors.ErrCodeGenerationNotFound,
			fmt.Sprintf("generation %q is not being built", gen.ID), nil)
	}
	if n := m.repairs.outstanding(gen.ID); n > 0 {
		return tserrors.RepairsPending(gen.ID, n)
	}
	if err := m.api.Swap(ctx, m.uid, m.shadow); err != nil {
		return m.wrap("activate generation", "", err)
	}
	m.building = ""
	m.repairs.reset("")

	// After the swap the shadow uid holds the previous live documents.
	if err := m.api.DeleteIndex(context.WithoutCancel(ctx), m.shadow); err != nil {
		m.logger.Warn("meili_previous_generation_drop_failed", slog.String("error", err.Error()))
	}
	m.logger.Info("meili_generation_activated", slog.String("generation", gen.ID))
	return nil
}

// DiscardGeneration implements Backend.
func (m *MeiliBackend) DiscardGeneration(ctx context.Context, gen Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.building == "" || m.building != gen.ID {
		return tserrors.New(tserrors.ErrCodeGenerationNotFound,
			fmt.Sprintf("generation %q is not being built", gen.ID), nil)
	}
	m.building = ""
	m.repairs.reset("")
	if err := m.api.DeleteIndex(context.WithoutCancel(ctx), m.shadow); err != nil {
		return m.wrap("discard generation", "", err)
	}
	m.logger.Info("meili_generation_discarded", slog.String("generation", gen.ID))
	return nil
}

// meiliFilter builds the filter expression: no tombstones, plus every hard filter.
func meiliFilter(q *Query) string {
	parts := []string{"deleted = false"}
	if q.Category != "" {
		parts = append(parts, "category = "+meiliQuote(q.Category))
	}
	for _, tag := range q.Tags {
		parts = append(parts, "tags = "+meiliQuote(tag))
	}
	return strings.Join(parts, " AND ")
}

// Query implements Backend.
func (m *MeiliBackend) Query(ctx context.Context, q *Query) (*ResultPage, error) {
	if q.Term == "" && !q.HasFilters() {
		return EmptyPage(q), nil
	}
	if err := m.ensureReady(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	req := meiliSearch{
		Query:     q.Term,
		Filter:    meiliFilter(q),
		Offset:    q.Offset,
		Limit:     q.Limit,
		Highlight: q.Term != "",
	}
	if q.EffectiveSort() == SortRecency {
		req.Sort = []string{"updated_at:desc"}
	}

	res, err := m.api.Search(ctx, m.uid, req)
	if err != nil {
		return nil, m.wrap("query", "", err)
	}

	page := &ResultPage{
		Hits:       make([]Hit, 0, len(res.Hits)),
		Total:      res.Estimated,
		TotalExact: false,
		Offset:     q.Offset,
		Limit:      q.Limit,
	}
	for _, h := range res.Hits {
		hit := Hit{
			ID:    anyString(h["id"]),
			Title: anyString(h["title"]),
			Slug:  anyString(h["slug"]),
			Score: anyFloat(h["_rankingScore"]),
		}
		if ms := anyFloat(h["updated_at"]); ms > 0 {
			hit.UpdatedAt = time.UnixMilli(int64(ms)).UTC()
		}
		if f, ok := h["_formatted"].(map[string]any); ok {
			if body := anyString(f["body"]); strings.Contains(body, "<mark>") {
				hit.Snippet = body
			}
		}
		if hit.Snippet == "" {
			hit.Snippet = truncateRunes(anyString(h["summary"]), snippetRunes)
		}
		page.Hits = append(page.Hits, hit)
	}
	return page, nil
}

// Count implements Counter. The count is the service's estimate.
func (m *MeiliBackend) Count(ctx context.Context) (int, error) {
	if err := m.ensureReady(ctx); err != nil {
		return 0, err
	}
	res, err := m.api.Search(ctx, m.uid, meiliSearch{Filter: "deleted = false", Limit: 0})
	if err != nil {
		return 0, m.wrap("count", "", err)
	}
	return res.Estimated, nil
}

// Health implements Backend.
func (m *MeiliBackend) Health(ctx context.Context) Health {
	if m.closed.Load() || !m.api.Healthy(ctx) {
		return HealthUnavailable
	}
	if err := m.ensureReady(ctx); err != nil {
		return HealthDegraded
	}
	return HealthAvailable
}

// Close implements Backend. The service keeps its indexes.
func (m *MeiliBackend) Close() error {
	m.closed.Store(true)
	return nil
}

func anyString(v any) string {
	s, _ := v.(string)
	return s
}

func anyFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

var (
	_ Backend = (*MeiliBackend)(nil)
	_ Counter = (*MeiliBackend)(nil)
)
