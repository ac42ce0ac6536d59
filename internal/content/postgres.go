package content

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
)

// DB is the subset of pgxpool.Pool used by PostgresSource.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// NewPool opens a pgx connection pool for the portal database.
func NewPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, tserrors.ConfigError("invalid content.database_url", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, tserrors.New(tserrors.ErrCodeSourceUnavailable, "failed to create content pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, tserrors.New(tserrors.ErrCodeSourceUnavailable, "content database unreachable", err)
	}
	return pool, nil
}

// recordColumns selects a tutorial with its category slug and tag names.
// Tag order is fixed so repeated reads yield identical records.
const recordColumns = `
SELECT t.id, t.slug, t.title, COALESCE(t.summary, ''), t.content_markdown,
       c.slug, t.author_id, t.status, t.updated_at,
       COALESCE(array_agg(tg.name ORDER BY tg.name) FILTER (WHERE tg.name IS NOT NULL), '{}')
FROM tutorial t
JOIN category c ON c.id = t.category_id
LEFT JOIN tutorial_tags tt ON tt.tutorial_id = t.id
LEFT JOIN tag tg ON tg.id = tt.tag_id`

const getRecordSQL = recordColumns + `
WHERE t.id = $1
GROUP BY t.id, c.slug`

// Keyset pagination on the primary key keeps the scan stable while rows
// change status underneath it.
const scanPublishedSQL = recordColumns + `
WHERE t.status = 'published' AND t.id > $1
GROUP BY t.id, c.slug
ORDER BY t.id
LIMIT $2`

// PostgresSource reads tutorials from the portal's Postgres schema.
type PostgresSource struct {
	db DB
}

// NewPostgresSource wraps a pool.
func NewPostgresSource(db DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Get implements Source.
func (s *PostgresSource) Get(ctx context.Context, id string) (*Record, error) {
	key, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a tutorial id", ErrNotFound, id)
	}

	rec, err := scanRecord(s.db.QueryRow(ctx, getRecordSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sourceError("get", err)
	}
	return rec, nil
}

// ScanPublished implements Source.
func (s *PostgresSource) ScanPublished(ctx context.Context, cursor string, limit int) ([]*Record, string, error) {
	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", tserrors.ValidationError(fmt.Sprintf("invalid scan cursor %q", cursor), err)
		}
		after = n
	}

	rows, err := s.db.Query(ctx, scanPublishedSQL, after, limit)
	if err != nil {
		return nil, "", sourceError("scan", err)
	}
	defer rows.Close()

	var page []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", sourceError("scan", err)
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", sourceError("scan", err)
	}

	next := ""
	if limit > 0 && len(page) == limit {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// Ping checks database connectivity.
func (s *PostgresSource) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return sourceError("ping", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresSource) Close() {
	s.db.Close()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		id, author int64
		status     string
		rec        Record
	)
	if err := row.Scan(&id, &rec.Slug, &rec.Title, &rec.Summary, &rec.Body,
		&rec.Category, &author, &status, &rec.ModifiedAt, &rec.Tags); err != nil {
		return nil, err
	}

	vis, err := ParseVisibility(status)
	if err != nil {
		return nil, err
	}
	rec.ID = strconv.FormatInt(id, 10)
	rec.AuthorID = strconv.FormatInt(author, 10)
	rec.Visibility = vis
	return &rec, nil
}

func sourceError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return tserrors.New(tserrors.ErrCodeSourceUnavailable, "content source failed during "+op, err)
}

var _ Source = (*PostgresSource)(nil)
