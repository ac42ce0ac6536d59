package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
)

// SQLiteOptions tunes the relational backend.
type SQLiteOptions struct {
	// MaxDocumentBytes rejects larger documents. Zero disables the check.
	MaxDocumentBytes int
	// CacheMB sizes the page cache. Zero keeps 64MB.
	CacheMB int
}

// SQLiteBackend is the relational backend built on SQLite FTS5. Each
// generation owns three tables suffixed with its identifier; the search_meta
// table names the live one, so activation is a single-row update.
type SQLiteBackend struct {
	// mu guards the generation pointers. Activation takes it exclusively.
	mu sync.RWMutex
	// db is the single writer connection.
	db *sql.DB
	// rdb serves Query, Count and Health. For a file database it is a
	// read-only pool, so searches do not queue behind a bulk load
	// transaction; in memory it is db.
	rdb      *sql.DB
	path     string
	opts     SQLiteOptions
	live     string
	building string
	repairs  repairLog
	closed   bool
	logger   *slog.Logger
}

// validateSQLiteIntegrity checks an existing database before it is opened for writing.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteBackend opens or creates the database at path. An empty path
// keeps everything in memory.
func NewSQLiteBackend(path string, opts SQLiteOptions, logger *slog.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			logger.Warn("sqlite_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, tserrors.New(tserrors.ErrCodeCorruptIndex,
					fmt.Sprintf("search database corrupted at %s and cannot be removed", path), removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			logger.Info("sqlite_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, reindex required"))
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	cacheMB := opts.CacheMB
	if cacheMB <= 0 {
		cacheMB = 64
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteBackend{db: db, rdb: db, path: path, opts: opts, logger: logger}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if path != "" {
		rdb, err := openReadPool(path, cacheMB)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.rdb = rdb
	}
	return s, nil
}

// readPoolSize bounds concurrent searches against a file database.
const readPoolSize = 4

// openReadPool opens read-only connections to the database at path. WAL
// lets them read the last committed state while the writer holds a transaction.
func openReadPool(path string, cacheMB int) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	dsn := (&url.URL{Scheme: "file", Path: abs}).String() +
		fmt.Sprintf("?mode=ro&_pragma=busy_timeout(5000)&_pragma=cache_size(-%d)", cacheMB*1024)

	rdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	rdb.SetMaxOpenConns(readPoolSize)
	rdb.SetMaxIdleConns(readPoolSize)
	if err := rdb.Ping(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	return rdb, nil
}

// initSchema loads the live pointer, creating the first generation on a new
// database and dropping any generation an interrupted build left behind.
func (s *SQLiteBackend) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS search_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return err
	}

	live, err := s.metaValue(ctx, "live")
	if err != nil {
		return err
	}
	if live == "" || !generationIDPattern.MatchString(live) {
		live = newGenerationID(time.Now())
		if err := s.createGeneration(ctx, live); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO search_meta(key, value) VALUES ('live', ?)`, live); err != nil {
			return err
		}
	}
	s.live = live

	if _, err := s.db.ExecContext(ctx, `DELETE FROM search_meta WHERE key = 'building'`); err != nil {
		return err
	}
	return s.dropOrphans(ctx)
}

func (s *SQLiteBackend) metaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM search_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// dropOrphans removes every generation's tables except the live one.
func (s *SQLiteBackend) dropOrphans(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'docs_g%'`)
	if err != nil {
		return err
	}
	var orphans []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		gen := strings.TrimPrefix(name, "docs_")
		if gen != s.live && generationIDPattern.MatchString(gen) {
			orphans = append(orphans, gen)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, gen := range orphans {
		if err := s.dropGeneration(ctx, gen); err != nil {
			return err
		}
		s.logger.Info("sqlite_orphan_generation_removed", slog.String("generation", gen))
	}
	return nil
}

// generationTables names the three tables of a generation.
type generationTables struct {
	docs, tags, fts string
}

func tablesFor(gen string) generationTables {
	return generationTables{docs: "docs_" + gen, tags: "tags_" + gen, fts: "fts_" + gen}
}

func (s *SQLiteBackend) createGeneration(ctx context.Context, gen string) error {
	t := tablesFor(gen)
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		doc_id     TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		deleted    INTEGER NOT NULL DEFAULT 0,
		title      TEXT NOT NULL DEFAULT '',
		slug       TEXT NOT NULL DEFAULT '',
		summary    TEXT NOT NULL DEFAULT '',
		category   TEXT NOT NULL DEFAULT '',
		author_id  TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS %[1]s_updated ON %[1]s(deleted, updated_at DESC);
	CREATE INDEX IF NOT EXISTS %[1]s_category ON %[1]s(category);

	CREATE TABLE IF NOT EXISTS %[2]s (
		doc_id TEXT NOT NULL,
		tag    TEXT NOT NULL,
		PRIMARY KEY (doc_id, tag)
	);
	CREATE INDEX IF NOT EXISTS %[2]s_tag ON %[2]s(tag);

	CREATE VIRTUAL TABLE IF NOT EXISTS %[3]s USING fts5(
		doc_id UNINDEXED,
		title,
		summary,
		body,
		tags,
		tokenize='unicode61 remove_diacritics 2'
	);`, t.docs, t.tags, t.fts)

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteBackend) dropGeneration(ctx context.Context, gen string) error {
	t := tablesFor(gen)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DROP TABLE IF EXISTS %s; DROP TABLE IF EXISTS %s; DROP TABLE IF EXISTS %s;`,
		t.fts, t.tags, t.docs))
	return err
}

// Kind implements Backend.
func (s *SQLiteBackend) Kind() Kind { return KindRelational }

func (s *SQLiteBackend) unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return tserrors.BackendUnavailable(string(KindRelational), op, err)
}

func (s *SQLiteBackend) checkDocument(doc *Document) error {
	if doc == nil || doc.ID == "" {
		return tserrors.BackendRejected(string(KindRelational), "", "document has no identifier")
	}
	if s.opts.MaxDocumentBytes > 0 && doc.Size() > s.opts.MaxDocumentBytes {
		return tserrors.BackendRejected(string(KindRelational), doc.ID,
			fmt.Sprintf("document is %d bytes, limit is %d", doc.Size(), s.opts.MaxDocumentBytes))
	}
	return nil
}

// Upsert implements Backend.
func (s *SQLiteBackend) Upsert(ctx context.Context, doc *Document) error {
	if err := s.checkDocument(doc); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return tserrors.BackendUnavailable(string(KindRelational), "upsert", fmt.Errorf("index is closed"))
	}

	liveErr := s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertRow(ctx, tx, tablesFor(s.live), doc)
	})
	if s.building != "" {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			return upsertRow(ctx, tx, tablesFor(s.building), doc)
		})
		if err != nil && !tserrors.IsStaleWrite(err) {
			s.buildingWriteFailed(Repair{ID: doc.ID, Version: doc.Version}, err)
		}
	}
	return liveErr
}

// buildingWriteFailed keeps a failed dual write for the reindexer to redo.
// Caller holds s.mu.
func (s *SQLiteBackend) buildingWriteFailed(r Repair, err error) {
	s.repairs.record(s.building, r)
	s.logger.Warn("sqlite_building_write_failed",
		slog.String("id", r.ID),
		slog.Int64("version", r.Version),
		slog.Bool("deleted", r.Deleted),
		slog.String("generation", s.building),
		slog.String("error", err.Error()))
}

// inTx runs fn in a transaction, committing when it succeeds. Stale writes
// roll back and are returned unchanged.
func (s *SQLiteBackend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		var se *tserrors.SearchError
		if errors.As(err, &se) {
			return err
		}
		return s.unavailable("write", err)
	}
	if err := tx.Commit(); err != nil {
		return s.unavailable("commit", err)
	}
	return nil
}

func storedVersion(ctx context.Context, tx *sql.Tx, t generationTables, id string) (version int64, found bool, err error) {
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version FROM %s WHERE doc_id = ?`, t.docs), id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, t generationTables, doc *Document) error {
	cur, found, err := storedVersion(ctx, tx, t, doc.ID)
	if err != nil {
		return err
	}
	if found && cur >= doc.Version {
		return tserrors.StaleWrite(doc.ID, doc.Version, cur)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s
			(doc_id, version, deleted, title, slug, summary, category, author_id, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?)`, t.docs),
		doc.ID, doc.Version, doc.Title, doc.Slug, doc.Summary, doc.Category, doc.AuthorID,
		doc.UpdatedAt.UTC().UnixNano()); err != nil {
		return err
	}

	// FTS5 virtual tables don't support REPLACE, so delete first
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, t.fts), doc.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s(doc_id, title, summary, body, tags) VALUES (?, ?, ?, ?, ?)`, t.fts),
		doc.ID, doc.Title, doc.Summary, doc.Body, strings.Join(doc.Tags, " ")); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, t.tags), doc.ID); err != nil {
		return err
	}
	for _, tag := range doc.Tags {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO %s(doc_id, tag) VALUES (?, ?)`, t.tags), doc.ID, tag); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(ctx context.Context, id string, version int64) error {
	if id == "" {
		return tserrors.BackendRejected(string(KindRelational), "", "delete has no identifier")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return tserrors.BackendUnavailable(string(KindRelational), "delete", fmt.Errorf("index is closed"))
	}

	liveErr := s.inTx(ctx, func(tx *sql.Tx) error {
		return deleteRow(ctx, tx, tablesFor(s.live), id, version)
	})
	if s.building != "" {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			return deleteRow(ctx, tx, tablesFor(s.building), id, version)
		})
		if err != nil && !tserrors.IsStaleWrite(err) {
			s.buildingWriteFailed(Repair{ID: id, Version: version, Deleted: true}, err)
		}
	}
	return liveErr
}

func deleteRow(ctx context.Context, tx *sql.Tx, t generationTables, id string, version int64) error {
	if version > 0 {
		cur, found, err := storedVersion(ctx, tx, t, id)
		if err != nil {
			return err
		}
		if found && cur > version {
			return tserrors.StaleWrite(id, version, cur)
		}
	}

	for _, table := range []string{t.fts, t.tags} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, table), id); err != nil {
			return err
		}
	}

	if version <= 0 {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, t.docs), id)
		return err
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (doc_id, version, deleted) VALUES (?, ?, 1)
		ON CONFLICT(doc_id) DO UPDATE SET
			version = excluded.version, deleted = 1,
			title = '', slug = '', summary = '', category = '', author_id = '', updated_at = 0`, t.docs),
		id, version)
	return err
}

// BulkLoad implements Backend. All documents of a call share one transaction;
// a document that fails is reported and the rest still load.
func (s *SQLiteBackend) BulkLoad(ctx context.Context, gen Generation, docs []*Document) (*BulkResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tserrors.BackendUnavailable(string(KindRelational), "bulk load", fmt.Errorf("index is closed"))
	}
	if s.building == "" || s.building != gen.ID {
		return nil, tserrors.New(tserrors.ErrCodeGenerationNotFound,
			fmt.Sprintf("generation %q is not being built", gen.ID), nil)
	}

	res := newBulkResult()
	t := tablesFor(s.building)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var loaded []string
	for i, doc := range docs {
		if doc == nil {
			continue
		}
		if err := s.checkDocument(doc); err != nil {
			res.fail(doc.ID, err)
			continue
		}

		sp := fmt.Sprintf("doc_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return nil, s.unavailable("bulk load", err)
		}
		err := upsertRow(ctx, tx, t, doc)
		switch {
		case err == nil:
			loaded = append(loaded, doc.ID)
			_, err = tx.ExecContext(ctx, "RELEASE "+sp)
		case tserrors.IsStaleWrite(err):
			res.Stale++
			_, err = tx.ExecContext(ctx, "RELEASE "+sp)
		default:
			res.fail(doc.ID, s.unavailable("bulk load", err))
			_, err = tx.ExecContext(ctx, "ROLLBACK TO "+sp+"; RELEASE "+sp)
		}
		if err != nil {
			return nil, s.unavailable("bulk load", err)
		}
	}

	if err := tx.Commit(); err != nil {
		for _, id := range loaded {
			res.fail(id, s.unavailable("commit", err))
		}
		return res, nil
	}
	res.Loaded = len(loaded)
	return res, nil
}

// BeginGeneration implements Backend.
func (s *SQLiteBackend) BeginGeneration(ctx context.Context) (Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Generation{}, tserrors.BackendUnavailable(string(KindRelational), "begin generation", fmt.Errorf("index is closed"))
	}
	if s.building != "" {
		return Generation{}, tserrors.New(tserrors.ErrCodeReindexInProgress,
			fmt.Sprintf("generation %s is already being built", s.building), nil)
	}

	now := time.Now().UTC()
	gen := newGenerationID(now)
	if err := s.createGeneration(ctx, gen); err != nil {
		return Generation{}, s.unavailable("begin generation", err)
	}
	// Tombstones keep blocking older upserts in the new generation
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (doc_id, version, deleted) SELECT doc_id, version, 1 FROM %s WHERE deleted = 1`,
		tablesFor(gen).docs, tablesFor(s.live).docs))
	if err != nil {
		_ = s.dropGeneration(context.WithoutCancel(ctx), gen)
		return Generation{}, s.unavailable("carry tombstones", err)
	}
	carried, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO search_meta(key, value) VALUES ('building', ?)`, gen); err != nil {
		_ = s.dropGeneration(context.WithoutCancel(ctx), gen)
		return Generation{}, s.unavailable("begin generation", err)
	}

	s.building = gen
	s.repairs.reset(gen)
	s.logger.Info("sqlite_generation_started",
		slog.String("generation", gen),
		slog.Int64("tombstones", carried))
	return Generation{ID: gen, Backend: KindRelational, StartedAt: now}, nil
}

// ActivateGeneration implements Backend.
func (s *SQLiteBackend) ActivateGeneration(ctx context.Context, gen Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tserrors.BackendUnavailable(string(KindRelational), "activate generation", fmt.Errorf("index is closed"))
	}
	if s.building == "" || s.building != gen.ID {
		return tserrors.New(tserrors.ErrCodeGenerationNotFound,
			fmt.Sprintf("generation %q is not being built", gen.ID), nil)
	}
	if n := s.repairs.outstanding(gen.ID); n > 0 {
		return tserrors.RepairsPending(gen.ID, n)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.unavailable("activate generation", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO search_meta(key, value) VALUES ('live', ?)`, gen.ID); err != nil {
		return s.unavailable("activate generation", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM search_meta WHERE key = 'building'`); err != nil {
		return s.unavailable("activate generation", err)
	}
	if err := tx.Commit(); err != nil {
		return s.unavailable("activate generation", err)
	}

	old := s.live
	s.live = gen.ID
	s.building = ""
	s.repairs.reset("")

	// The old tables are unreachable now; failing to drop them only wastes space
	// until the next start.
	if err := s.dropGeneration(context.WithoutCancel(ctx), old); err != nil {
		s.logger.Warn("sqlite_generation_drop_failed",
			slog.String("generation", old),
			slog.String("error", err.Error()))
	}
	s.logger.Info("sqlite_generation_activated", slog.String("generation", gen.ID))
	return nil
}

// BuildRepairs implements Backend.
func (s *SQLiteBackend) BuildRepairs(gen Generation) []Repair {
	return s.repairs.take(gen.ID)
}

// DiscardGeneration implements Backend.
func (s *SQLiteBackend) DiscardGeneration(ctx context.Context, gen Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.building == "" || s.building != gen.ID {
		return tserrors.New(tserrors.ErrCodeGenerationNotFound,
			fmt.Sprintf("generation %q is not being built", gen.ID), nil)
	}
	s.building = ""
	s.repairs.reset("")

	ctx = context.WithoutCancel(ctx)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM search_meta WHERE key = 'building'`); err != nil {
		return s.unavailable("discard generation", err)
	}
	if err := s.dropGeneration(ctx, gen.ID); err != nil {
		return s.unavailable("discard generation", err)
	}
	s.logger.Info("sqlite_generation_discarded", slog.String("generation", gen.ID))
	return nil
}

// Query implements Backend.
func (s *SQLiteBackend) Query(ctx context.Context, q *Query) (*ResultPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tserrors.BackendUnavailable(string(KindRelational), "query", fmt.Errorf("index is closed"))
	}

	match := ftsMatchExpression(q.Term)
	if match == "" && !q.HasFilters() {
		return EmptyPage(q), nil
	}

	t := tablesFor(s.live)
	var (
		from  string
		where = []string{"d.deleted = 0"}
		args  []any
		cols  string
		order string
	)
	if match != "" {
		// bm25 weights follow the column order: doc_id, title, summary, body, tags
		from = fmt.Sprintf("%[1]s JOIN %[2]s d ON d.doc_id = %[1]s.doc_id", t.fts, t.docs)
		where = append(where, t.fts+" MATCH ?")
		args = append(args, match)
		cols = fmt.Sprintf(`d.doc_id, d.title, d.slug, d.updated_at,
			bm25(%[1]s, 0.0, 3.0, 1.5, 1.0, 2.0) AS rank,
			snippet(%[1]s, 3, '<mark>', '</mark>', '…', 16) AS snip, d.summary`, t.fts)
		order = "rank, d.updated_at DESC, d.doc_id"
	} else {
		from = t.docs + " d"
		cols = "d.doc_id, d.title, d.slug, d.updated_at, 0.0 AS rank, '' AS snip, d.summary"
	}
	if q.EffectiveSort() == SortRecency {
		order = "d.updated_at DESC, d.doc_id"
	}

	if q.Category != "" {
		where = append(where, "d.category = ?")
		args = append(args, q.Category)
	}
	for _, tag := range q.Tags {
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM %s tg WHERE tg.doc_id = d.doc_id AND tg.tag = ?)", t.tags))
		args = append(args, tag)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.rdb.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", from, clause), args...).Scan(&total); err != nil {
		return nil, s.unavailable("query", err)
	}

	page := &ResultPage{Hits: []Hit{}, Total: total, TotalExact: true, Offset: q.Offset, Limit: q.Limit}
	if total == 0 || q.Offset >= total || q.Limit <= 0 {
		return page, nil
	}

	rows, err := s.rdb.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?", cols, from, clause, order),
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, s.unavailable("query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hit     Hit
			updated int64
			rank    float64
			summary string
		)
		if err := rows.Scan(&hit.ID, &hit.Title, &hit.Slug, &updated, &rank, &hit.Snippet, &summary); err != nil {
			return nil, s.unavailable("query", err)
		}
		// FTS5 bm25() is negative; lower is better.
		hit.Score = -rank
		hit.UpdatedAt = time.Unix(0, updated).UTC()
		if hit.Snippet == "" {
			hit.Snippet = truncateRunes(summary, snippetRunes)
		}
		page.Hits = append(page.Hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, s.unavailable("query", err)
	}
	return page, nil
}

// Count implements Counter.
func (s *SQLiteBackend) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, tserrors.BackendUnavailable(string(KindRelational), "count", fmt.Errorf("index is closed"))
	}
	var n int
	err := s.rdb.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE deleted = 0`, tablesFor(s.live).docs)).Scan(&n)
	if err != nil {
		return 0, s.unavailable("count", err)
	}
	return n, nil
}

// Health implements Backend.
func (s *SQLiteBackend) Health(ctx context.Context) Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HealthUnavailable
	}
	var n int
	if err := s.rdb.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_meta`).Scan(&n); err != nil {
		return HealthUnavailable
	}
	return HealthAvailable
}

// Close implements Backend. A generation still being built is dropped.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.building != "" {
		ctx := context.Background()
		_, _ = s.db.ExecContext(ctx, `DELETE FROM search_meta WHERE key = 'building'`)
		_ = s.dropGeneration(ctx, s.building)
		s.building = ""
	}
	if s.rdb != s.db {
		_ = s.rdb.Close()
	}
	return s.db.Close()
}

var (
	_ Backend = (*SQLiteBackend)(nil)
	_ Counter = (*SQLiteBackend)(nil)
)
