package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/highlight/highlighter/html"
	"github.com/blevesearch/bleve/v2/search/query"

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
)

const (
	// TutorialAnalyzerName is the analyzer applied to searchable text fields.
	TutorialAnalyzerName = "tutorial_analyzer"

	// TutorialStopFilterName removes French and English stop words.
	TutorialStopFilterName = "tutorial_stop"

	// TutorialFoldFilterName folds diacritics.
	TutorialFoldFilterName = "tutorial_fold"

	livePointerFile = "LIVE"
	ledgerPrefix    = "v:"
	snippetRunes    = 160

	// Every tombstone also has a marker document, so tombstones can be
	// listed with a query when a new generation is started. Markers carry
	// no text and never match a search.
	tombstonePrefix = "~tomb/"
	tombstoneKind   = "tombstone"
	tombstonePage   = 500
)

func init() {
	_ = registry.RegisterTokenFilter(TutorialStopFilterName, stopFilterConstructor)
	_ = registry.RegisterTokenFilter(TutorialFoldFilterName, foldFilterConstructor)
}

// Field boosts shared by the embedded and relational backends.
var fieldBoosts = []struct {
	field string
	boost float64
}{
	{"title", 3},
	{"tags", 2},
	{"summary", 1.5},
	{"body", 1},
}

// bleveDocument is the stored shape of a Document.
type bleveDocument struct {
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Summary   string    `json:"summary"`
	Body      string    `json:"body"`
	Tags      string    `json:"tags"`
	TagKeys   []string  `json:"tag_keys"`
	Category  string    `json:"category"`
	AuthorID  string    `json:"author_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toBleveDocument(doc *Document) bleveDocument {
	return bleveDocument{
		Title:     doc.Title,
		Slug:      doc.Slug,
		Summary:   doc.Summary,
		Body:      doc.Body,
		Tags:      strings.Join(doc.Tags, " "),
		TagKeys:   doc.Tags,
		Category:  doc.Category,
		AuthorID:  doc.AuthorID,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

// bleveTombstone is the marker document of a tombstone.
type bleveTombstone struct {
	Kind string `json:"kind"`
}

// ledgerEntry is the last version written for an identifier. Deleted entries
// are tombstones that keep older upserts out.
type ledgerEntry struct {
	version int64
	deleted bool
}

func (e ledgerEntry) encode() []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf, uint64(e.version))
	if e.deleted {
		buf[8] = 1
	}
	return buf
}

func decodeLedgerEntry(b []byte) (ledgerEntry, bool) {
	if len(b) != 9 {
		return ledgerEntry{}, false
	}
	return ledgerEntry{
		version: int64(binary.BigEndian.Uint64(b[:8])),
		deleted: b[8] == 1,
	}, true
}

// bleveGeneration is one physical index.
type bleveGeneration struct {
	// wmu makes the version check and the write one step.
	wmu   sync.Mutex
	id    string
	path  string
	index bleve.Index
	start time.Time
}

func (g *bleveGeneration) entry(id string) (ledgerEntry, bool, error) {
	raw, err := g.index.GetInternal([]byte(ledgerPrefix + id))
	if err != nil {
		return ledgerEntry{}, false, err
	}
	e, ok := decodeLedgerEntry(raw)
	return e, ok, nil
}

// tombstoneQuery matches the marker documents of every tombstone.
func tombstoneQuery() query.Query {
	q := bleve.NewTermQuery(tombstoneKind)
	q.SetField("kind")
	return q
}

// tombstones lists the identifiers g holds a tombstone for.
func (g *bleveGeneration) tombstones(ctx context.Context) ([]string, error) {
	var ids []string
	for from := 0; ; from += tombstonePage {
		req := bleve.NewSearchRequestOptions(tombstoneQuery(), tombstonePage, from, false)
		req.SortBy([]string{"_id"})
		res, err := g.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, h := range res.Hits {
			ids = append(ids, strings.TrimPrefix(h.ID, tombstonePrefix))
		}
		if len(res.Hits) < tombstonePage {
			return ids, nil
		}
	}
}

// tombstoneCount returns how many marker documents g holds.
func (g *bleveGeneration) tombstoneCount(ctx context.Context) (int, error) {
	res, err := g.index.SearchInContext(ctx, bleve.NewSearchRequestOptions(tombstoneQuery(), 0, 0, false))
	if err != nil {
		return 0, err
	}
	return int(res.Total), nil
}

// copyTombstones writes every tombstone of from into to.
func copyTombstones(ctx context.Context, from, to *bleveGeneration) (int, error) {
	ids, err := from.tombstones(ctx)
	if err != nil {
		return 0, err
	}

	copied := 0
	batch := to.index.NewBatch()
	for _, id := range ids {
		e, ok, err := from.entry(id)
		if err != nil {
			return copied, err
		}
		if !ok || !e.deleted {
			continue
		}
		if err := batch.Index(tombstonePrefix+id, bleveTombstone{Kind: tombstoneKind}); err != nil {
			return copied, err
		}
		batch.SetInternal([]byte(ledgerPrefix+id), e.encode())
		copied++
		if batch.Size() >= tombstonePage {
			if err := to.index.Batch(batch); err != nil {
				return copied, err
			}
			batch = to.index.NewBatch()
		}
	}
	if batch.Size() > 0 {
		if err := to.index.Batch(batch); err != nil {
			return copied, err
		}
	}
	return copied, nil
}

// BleveBackend is the embedded backend. Each generation is a separate bleve
// index under the data directory; a pointer file names the live one.
type BleveBackend struct {
	mu       sync.RWMutex
	root     string
	live     *bleveGeneration
	building *bleveGeneration
	repairs  repairLog
	closed   bool
	logger   *slog.Logger
}

// NewBleveBackend opens the embedded backend rooted at dir. An empty dir
// keeps every generation in memory.
func NewBleveBackend(dir string, logger *slog.Logger) (*BleveBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &BleveBackend{root: dir, logger: logger}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		live, err := b.openLive()
		if err != nil {
			return nil, err
		}
		if live != nil {
			b.live = live
			b.removeOrphans()
			return b, nil
		}
	}

	gen, err := b.newGeneration()
	if err != nil {
		return nil, err
	}
	if err := b.writePointer(gen.id); err != nil {
		_ = gen.index.Close()
		return nil, err
	}
	b.live = gen
	return b, nil
}

// openLive opens the generation the pointer names, or returns nil when there
// is none or it is unreadable.
func (b *BleveBackend) openLive() (*bleveGeneration, error) {
	raw, err := os.ReadFile(filepath.Join(b.root, livePointerFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read live pointer: %w", err)
	}

	id := strings.TrimSpace(string(raw))
	if !generationIDPattern.MatchString(id) {
		b.logger.Warn("bleve_live_pointer_invalid", slog.String("generation", id))
		return nil, nil
	}
	path := filepath.Join(b.root, id)
	if validErr := validateIndexIntegrity(path); validErr != nil {
		b.logger.Warn("bleve_live_generation_corrupted",
			slog.String("generation", id),
			slog.Any("error", validErr))
		_ = os.RemoveAll(path)
		return nil, nil
	}

	idx, err := bleve.Open(path)
	if err != nil {
		b.logger.Warn("bleve_live_generation_unreadable",
			slog.String("generation", id),
			slog.String("error", err.Error()))
		_ = os.RemoveAll(path)
		return nil, nil
	}
	return &bleveGeneration{id: id, path: path, index: idx}, nil
}

// validateIndexIntegrity checks that a bleve index directory carries a
// parseable index_meta.json.
func validateIndexIntegrity(path string) error {
	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if err != nil {
		return fmt.Errorf("index_meta.json unreadable: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// removeOrphans deletes generation directories left by an interrupted build.
func (b *BleveBackend) removeOrphans() {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == b.live.id || !generationIDPattern.MatchString(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(b.root, e.Name())); err == nil {
			b.logger.Info("bleve_orphan_generation_removed", slog.String("generation", e.Name()))
		}
	}
}

func (b *BleveBackend) newGeneration() (*bleveGeneration, error) {
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	now := time.Now().UTC()
	gen := &bleveGeneration{
		id:    newGenerationID(now),
		start: now,
	}
	if b.root == "" {
		gen.index, err = bleve.NewMemOnly(indexMapping)
	} else {
		gen.path = filepath.Join(b.root, gen.id)
		gen.index, err = bleve.New(gen.path, indexMapping)
	}
	if err != nil {
		return nil, tserrors.BackendUnavailable(string(KindEmbedded), "create generation", err)
	}
	return gen, nil
}

// writePointer atomically replaces the live pointer file.
func (b *BleveBackend) writePointer(id string) error {
	if b.root == "" {
		return nil
	}
	target := filepath.Join(b.root, livePointerFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o644); err != nil {
		return tserrors.BackendUnavailable(string(KindEmbedded), "write live pointer", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return tserrors.BackendUnavailable(string(KindEmbedded), "write live pointer", err)
	}
	return nil
}

// createIndexMapping maps tutorial documents: analyzed text for ranking,
// keywords for filters and a datetime for recency.
func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(TutorialAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			TutorialFoldFilterName,
			TutorialStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	text := func(store bool) *mapping.FieldMapping {
		fm := mapping.NewTextFieldMapping()
		fm.Analyzer = TutorialAnalyzerName
		fm.Store = store
		fm.IncludeTermVectors = true
		fm.IncludeInAll = false
		return fm
	}
	kw := func(store bool) *mapping.FieldMapping {
		fm := mapping.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = store
		fm.IncludeInAll = false
		return fm
	}
	updated := mapping.NewDateTimeFieldMapping()
	updated.Store = true
	updated.IncludeInAll = false

	doc := mapping.NewDocumentMapping()
	doc.Dynamic = false
	doc.AddFieldMappingsAt("title", text(true))
	doc.AddFieldMappingsAt("summary", text(true))
	doc.AddFieldMappingsAt("body", text(true))
	doc.AddFieldMappingsAt("tags", text(false))
	doc.AddFieldMappingsAt("tag_keys", kw(false))
	doc.AddFieldMappingsAt("category", kw(false))
	doc.AddFieldMappingsAt("slug", kw(true))
	doc.AddFieldMappingsAt("kind", kw(false))
	doc.AddFieldMappingsAt("updated_at", updated)

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = TutorialAnalyzerName
	return indexMapping, nil
}

// Kind implements Backend.
func (b *BleveBackend) Kind() Kind { return KindEmbedded }

// targets returns the live generation followed by the building one, if any.
// Caller holds b.mu.
func (b *BleveBackend) targets() []*bleveGeneration {
	if b.building == nil {
		return []*bleveGeneration{b.live}
	}
	return []*bleveGeneration{b.live, b.building}
}

// Upsert implements Backend.
func (b *BleveBackend) Upsert(ctx context.Context, doc *Document) error {
	if doc == nil || doc.ID == "" {
		return tserrors.BackendRejected(string(KindEmbedded), "", "document has no identifier")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return tserrors.BackendUnavailable(string(KindEmbedded), "upsert", fmt.Errorf("index is closed"))
	}

	var liveErr error
	for i, gen := range b.targets() {
		err := b.upsertInto(gen, doc)
		if i == 0 {
			liveErr = err
		} else if err != nil && !tserrors.IsStaleWrite(err) {
			b.buildingWriteFailed(gen.id, Repair{ID: doc.ID, Version: doc.Version}, err)
		}
	}
	return liveErr
}

// buildingWriteFailed keeps a failed dual write for the reindexer to redo.
func (b *BleveBackend) buildingWriteFailed(gen string, r Repair, err error) {
	b.repairs.record(gen, r)
	b.logger.Warn("bleve_building_write_failed",
		slog.String("id", r.ID),
		slog.Int64("version", r.Version),
		slog.Bool("deleted", r.Deleted),
		slog.String("generation", gen),
		slog.String("error", err.Error()))
}

func (b *BleveBackend) upsertInto(gen *bleveGeneration, doc *Document) error {
	gen.wmu.Lock()
	defer gen.wmu.Unlock()

	cur, ok, err := gen.entry(doc.ID)
	if err != nil {
		return tserrors.BackendUnavailable(string(KindEmbedded), "read version", err)
	}
	if ok && cur.version >= doc.Version {
		return tserrors.StaleWrite(doc.ID, doc.Version, cur.version)
	}

	batch := gen.index.NewBatch()
	if err := batch.Index(doc.ID, toBleveDocument(doc)); err != nil {
		return tserrors.BackendRejected(string(KindEmbedded), doc.ID, err.Error())
	}
	if ok && cur.deleted {
		batch.Delete(tombstonePrefix + doc.ID)
	}
	batch.SetInternal([]byte(ledgerPrefix+doc.ID), ledgerEntry{version: doc.Version}.encode())
	if err := gen.index.Batch(batch); err != nil {
		return tserrors.BackendUnavailable(string(KindEmbedded), "upsert", err)
	}
	return nil
}

// Delete implements Backend.
func (b *BleveBackend) Delete(ctx context.Context, id string, version int64) error {
	if id == "" {
		return tserrors.BackendRejected(string(KindEmbedded), "", "delete has no identifier")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return tserrors.BackendUnavailable(string(KindEmbedded), "delete", fmt.Errorf("index is closed"))
	}

	var liveErr error
	for i, gen := range b.targets() {
		err := b.deleteFrom(gen, id, version)
		if i == 0 {
			liveErr = err
		} else if err != nil && !tserrors.IsStaleWrite(err) {
			b.buildingWriteFailed(gen.id, Repair{ID: id, Version: version, Deleted: true}, err)
		}
	}
	return liveErr
}

func (b *BleveBackend) deleteFrom(gen *bleveGeneration, id string, version int64) error {
	gen.wmu.Lock()
	defer gen.wmu.Unlock()

	key := []byte(ledgerPrefix + id)
	if version > 0 {
		cur, ok, err := gen.entry(id)
		if err != nil {
			return tserrors.BackendUnavailable(string(KindEmbedded), "read version", err)
		}
		if ok && cur.version > version {
			return tserrors.StaleWrite(id, version, cur.version)
		}
	}

	batch := gen.index.NewBatch()
	batch.Delete(id)
	if version > 0 {
		if err := batch.Index(tombstonePrefix+id, bleveTombstone{Kind: tombstoneKind}); err != nil {
			return tserrors.BackendUnavailable(string(KindEmbedded), "delete", err)
		}
		batch.SetInternal(key, ledgerEntry{version: version, deleted: true}.encode())
	} else {
		batch.Delete(tombstonePrefix + id)
		batch.DeleteInternal(key)
	}
	if err := gen.index.Batch(batch); err != nil {
		return tserrors.BackendUnavailable(string(KindEmbedded), "delete", err)
	}
	return nil
}

// BulkLoad implements Backend.
func (b *BleveBackend) BulkLoad(ctx context.Context, gen Generation, docs []*Document) (*BulkResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	target, err := b.buildingFor(gen)
	if err != nil {
		return nil, err
	}

	res := newBulkResult()
	if len(docs) == 0 {
		return res, nil
	}

	target.wmu.Lock()
	defer target.wmu.Unlock()

	batch := target.index.NewBatch()
	var batched []string
	for _, doc := range docs {
		if doc == nil || doc.ID == "" {
			continue
		}
		cur, ok, err := target.entry(doc.ID)
		if err != nil {
			res.fail(doc.ID, tserrors.BackendUnavailable(string(KindEmbedded), "read version", err))
			continue
		}
		if ok && cur.version >= doc.Version {
			res.Stale++
			continue
		}
		if err := batch.Index(doc.ID, toBleveDocument(doc)); err != nil {
			res.fail(doc.ID, tserrors.BackendRejected(string(KindEmbedded), doc.ID, err.Error()))
			continue
		}
		if ok && cur.deleted {
			batch.Delete(tombstonePrefix + doc.ID)
		}
		batch.SetInternal([]byte(ledgerPrefix+doc.ID), ledgerEntry{version: doc.Version}.encode())
		batched = append(batched, doc.ID)
	}

	if len(batched) == 0 {
		return res, nil
	}
	if err := target.index.Batch(batch); err != nil {
		for _, id := range batched {
			res.fail(id, tserrors.BackendUnavailable(string(KindEmbedded), "bulk load", err))
		}
		return res, nil
	}
	res.Loaded = len(batched)
	return res, nil
}

// buildingFor returns the building generation matching gen. Caller holds b.mu.
func (b *BleveBackend) buildingFor(gen Generation) (*bleveGeneration, error) {
	if b.closed {
		return nil, tserrors.BackendUnavailable(string(KindEmbedded), "bulk load", fmt.Errorf("index is closed"))
	}
	if b.building == nil || b.building.id != gen.ID {
		return nil, tserrors.New(tserrors.ErrCodeGenerationNotFound,
			fmt.Sprintf("generation %q is not being built", gen.ID), nil)
	}
	return b.building, nil
}

// BeginGeneration implements Backend.
func (b *BleveBackend) BeginGeneration(ctx context.Context) (Generation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Generation{}, tserrors.BackendUnavailable(string(KindEmbedded), "begin generation", fmt.Errorf("index is closed"))
	}
	if b.building != nil {
		return Generation{}, tserrors.New(tserrors.ErrCodeReindexInProgress,
			fmt.Sprintf("generation %s is already being built", b.building.id), nil)
	}

	gen, err := b.newGeneration()
	if err != nil {
		return Generation{}, err
	}
	carried, err := copyTombstones(ctx, b.live, gen)
	if err != nil {
		b.dropGeneration(gen)
		return Generation{}, tserrors.BackendUnavailable(string(KindEmbedded), "carry tombstones", err)
	}
	b.building = gen
	b.repairs.reset(gen.id)
	b.logger.Info("bleve_generation_started",
		slog.String("generation", gen.id),
		slog.Int("tombstones", carried))
	return Generation{ID: gen.id, Backend: KindEmbedded, StartedAt: gen.start}, nil
}

// ActivateGeneration implements Backend.
func (b *BleveBackend) ActivateGeneration(ctx context.Context, gen Generation) error {
	b.mu.Lock()
	next, err := b.buildingFor(gen)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if n := b.repairs.outstanding(next.id); n > 0 {
		b.mu.Unlock()
		return tserrors.RepairsPending(next.id, n)
	}
	if err := b.writePointer(next.id); err != nil {
		b.mu.Unlock()
		return err
	}
	old := b.live
	b.live = next
	b.building = nil
	b.repairs.reset("")
	b.mu.Unlock()

	// Readers hold b.mu for the whole query, so none still uses old.
	b.dropGeneration(old)
	b.logger.Info("bleve_generation_activated", slog.String("generation", next.id))
	return nil
}

// BuildRepairs implements Backend.
func (b *BleveBackend) BuildRepairs(gen Generation) []Repair {
	return b.repairs.take(gen.ID)
}

// DiscardGeneration implements Backend.
func (b *BleveBackend) DiscardGeneration(ctx context.Context, gen Generation) error {
	b.mu.Lock()
	target, err := b.buildingFor(gen)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.building = nil
	b.repairs.reset("")
	b.mu.Unlock()

	b.dropGeneration(target)
	b.logger.Info("bleve_generation_discarded", slog.String("generation", gen.ID))
	return nil
}

func (b *BleveBackend) dropGeneration(gen *bleveGeneration) {
	if err := gen.index.Close(); err != nil {
		b.logger.Warn("bleve_generation_close_failed",
			slog.String("generation", gen.id),
			slog.String("error", err.Error()))
	}
	if gen.path != "" {
		_ = os.RemoveAll(gen.path)
	}
}

// Query implements Backend.
func (b *BleveBackend) Query(ctx context.Context, q *Query) (*ResultPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, tserrors.BackendUnavailable(string(KindEmbedded), "query", fmt.Errorf("index is closed"))
	}

	bq := buildBleveQuery(q)
	if bq == nil {
		return EmptyPage(q), nil
	}

	req := bleve.NewSearchRequestOptions(bq, q.Limit, q.Offset, false)
	req.Fields = []string{"title", "slug", "summary", "updated_at"}
	if q.EffectiveSort() == SortRecency {
		req.SortBy([]string{"-updated_at", "_id"})
	} else {
		req.SortBy([]string{"-_score", "-updated_at", "_id"})
	}
	if q.Term != "" {
		req.Highlight = bleve.NewHighlightWithStyle(html.Name)
		req.Highlight.AddField("body")
		req.Highlight.AddField("summary")
	}

	result, err := b.live.index.SearchInContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, tserrors.BackendUnavailable(string(KindEmbedded), "query", err)
	}

	page := &ResultPage{
		Hits:       make([]Hit, 0, len(result.Hits)),
		Total:      int(result.Total),
		TotalExact: true,
		Offset:     q.Offset,
		Limit:      q.Limit,
	}
	for _, h := range result.Hits {
		hit := Hit{
			ID:        h.ID,
			Title:     stringField(h.Fields, "title"),
			Slug:      stringField(h.Fields, "slug"),
			Score:     h.Score,
			UpdatedAt: timeField(h.Fields, "updated_at"),
		}
		switch {
		case len(h.Fragments["body"]) > 0:
			hit.Snippet = h.Fragments["body"][0]
		case len(h.Fragments["summary"]) > 0:
			hit.Snippet = h.Fragments["summary"][0]
		default:
			hit.Snippet = truncateRunes(stringField(h.Fields, "summary"), snippetRunes)
		}
		page.Hits = append(page.Hits, hit)
	}
	return page, nil
}

// buildBleveQuery requires every term token in at least one text field and
// every filter as an exact keyword. It returns nil when nothing constrains
// the search.
func buildBleveQuery(q *Query) query.Query {
	var must []query.Query

	for _, tok := range queryTokens(q.Term) {
		fields := make([]query.Query, 0, len(fieldBoosts))
		for _, fb := range fieldBoosts {
			mq := bleve.NewMatchQuery(tok)
			mq.SetField(fb.field)
			mq.SetBoost(fb.boost)
			fields = append(fields, mq)
		}
		must = append(must, bleve.NewDisjunctionQuery(fields...))
	}
	for _, tag := range q.Tags {
		tq := bleve.NewTermQuery(tag)
		tq.SetField("tag_keys")
		must = append(must, tq)
	}
	if q.Category != "" {
		cq := bleve.NewTermQuery(q.Category)
		cq.SetField("category")
		must = append(must, cq)
	}

	if len(must) == 0 {
		return nil
	}
	return bleve.NewConjunctionQuery(must...)
}

// Count implements Counter.
func (b *BleveBackend) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, tserrors.BackendUnavailable(string(KindEmbedded), "count", fmt.Errorf("index is closed"))
	}
	n, err := b.live.index.DocCount()
	if err != nil {
		return 0, tserrors.BackendUnavailable(string(KindEmbedded), "count", err)
	}
	tombs, err := b.live.tombstoneCount(ctx)
	if err != nil {
		return 0, tserrors.BackendUnavailable(string(KindEmbedded), "count", err)
	}
	return int(n) - tombs, nil
}

// Health implements Backend.
func (b *BleveBackend) Health(ctx context.Context) Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed || b.live == nil {
		return HealthUnavailable
	}
	if _, err := b.live.index.DocCount(); err != nil {
		return HealthUnavailable
	}
	return HealthAvailable
}

// Close implements Backend. A generation still being built is dropped.
func (b *BleveBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.building != nil {
		b.dropGeneration(b.building)
		b.building = nil
	}
	return b.live.index.Close()
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

func timeField(fields map[string]interface{}, name string) time.Time {
	s, ok := fields[name].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

// stopFilterConstructor creates the stop word filter for bleve.
func stopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &stopFilter{stopWords: defaultStopWordMap}, nil
}

type stopFilter struct {
	stopWords map[string]struct{}
}

// Filter implements analysis.TokenFilter.
func (f *stopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, isStop := f.stopWords[string(token.Term)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// foldFilterConstructor creates the diacritic folding filter for bleve.
func foldFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return foldFilter{}, nil
}

type foldFilter struct{}

// Filter implements analysis.TokenFilter.
func (foldFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	for _, token := range input {
		token.Term = []byte(FoldDiacritics(string(token.Term)))
	}
	return input
}

var (
	_ Backend = (*BleveBackend)(nil)
	_ Counter = (*BleveBackend)(nil)
)
