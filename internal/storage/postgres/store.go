// Package postgres provides Postgres-backed persistence for crawl jobs
// and pages.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagesift/pagesift/internal/crawl"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the store uses; pgxmock
// implements it for tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawl.Store over a pgx connection pool.
type Store struct {
	pool querier
}

var _ crawl.Store = (*Store)(nil)

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Schema is the DDL the store expects. Applied by Migrate; kept in one
// place so a mismatch is obvious.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id          TEXT PRIMARY KEY,
	targets     JSONB NOT NULL,
	status      TEXT NOT NULL,
	options     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS pages (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES crawl_jobs (id),
	canonical_url  TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	text_content   TEXT NOT NULL DEFAULT '',
	html_ref       TEXT NOT NULL DEFAULT '',
	markdown       TEXT NOT NULL DEFAULT '',
	markdown_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata       JSONB,
	fetched_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, content_hash)
);
CREATE INDEX IF NOT EXISTS pages_canonical_url_idx ON pages (canonical_url, fetched_at DESC);

CREATE TABLE IF NOT EXISTS page_alternate_urls (
	page_id TEXT NOT NULL REFERENCES pages (id),
	url     TEXT NOT NULL,
	UNIQUE (page_id, url)
);

CREATE TABLE IF NOT EXISTS crawl_errors (
	job_id     TEXT NOT NULL,
	url        TEXT NOT NULL,
	detail     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, job crawl.JobRecord) error {
	targets, err := json.Marshal(job.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (id, targets, status, options, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		job.ID, targets, string(job.Status), options, job.Created)
	if err != nil {
		return schemaErr("insert job", err)
	}
	return nil
}

// UpdateJob transitions a job's status. started_at is stamped on the
// first move to in_progress; finished_at comes from the caller.
func (s *Store) UpdateJob(ctx context.Context, jobID string, status crawl.Status, finished *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs
SET status = $2,
    started_at = CASE WHEN $2 = 'in_progress' AND started_at IS NULL THEN now() ELSE started_at END,
    finished_at = COALESCE($3, finished_at)
WHERE id = $1`,
		jobID, string(status), finished)
	if err != nil {
		return schemaErr("update job", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawl.JobRecord, error) {
	var (
		job      crawl.JobRecord
		targets  []byte
		options  []byte
		status   string
		started  *time.Time
		finished *time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, targets, status, options, created_at, started_at, finished_at
FROM crawl_jobs WHERE id = $1`, jobID).
		Scan(&job.ID, &targets, &status, &options, &job.Created, &started, &finished)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.JobRecord{}, crawl.ErrNotFound
		}
		return crawl.JobRecord{}, schemaErr("select job", err)
	}
	job.Status = crawl.Status(status)
	job.Started = started
	job.Finished = finished
	if err := json.Unmarshal(targets, &job.Targets); err != nil {
		return crawl.JobRecord{}, fmt.Errorf("unmarshal targets: %w", err)
	}
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return crawl.JobRecord{}, fmt.Errorf("unmarshal options: %w", err)
	}
	return job, nil
}

const pageColumns = `id, job_id, canonical_url, content_hash, title, text_content,
html_ref, markdown, markdown_score, metadata, fetched_at`

// GetPageByCanonicalURL returns the newest page for the URL across jobs.
// This is the render cache.
func (s *Store) GetPageByCanonicalURL(ctx context.Context, url string) (crawl.PageRecord, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+pageColumns+`
FROM pages WHERE canonical_url = $1
ORDER BY fetched_at DESC LIMIT 1`, url)
	return scanPage(row, "select page by url")
}

// GetPageByContentHash resolves duplicates within a single job.
func (s *Store) GetPageByContentHash(ctx context.Context, jobID, hash string) (crawl.PageRecord, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+pageColumns+`
FROM pages WHERE job_id = $1 AND content_hash = $2`, jobID, hash)
	return scanPage(row, "select page by hash")
}

// SavePage inserts a page record.
func (s *Store) SavePage(ctx context.Context, page crawl.PageRecord) (string, error) {
	metadata, err := json.Marshal(page.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO pages (id, job_id, canonical_url, content_hash, title, text_content,
	html_ref, markdown, markdown_score, metadata, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		page.ID, page.JobID, page.CanonicalURL, page.ContentHash, page.Title,
		page.Text, page.HTMLRef, page.Markdown, page.MarkdownScore, metadata,
		page.FetchedAt)
	if err != nil {
		// 23505 here can only be the (job_id, content_hash) constraint:
		// page IDs are freshly generated UUIDs and never collide.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("insert page: %w", crawl.ErrDuplicatePage)
		}
		return "", schemaErr("insert page", err)
	}
	return page.ID, nil
}

// AppendAlternateURL adds a URL to a page's alternate list, ignoring
// repeats.
func (s *Store) AppendAlternateURL(ctx context.Context, pageID, url string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO page_alternate_urls (page_id, url)
VALUES ($1, $2)
ON CONFLICT (page_id, url) DO NOTHING`, pageID, url)
	if err != nil {
		return schemaErr("insert alternate url", err)
	}
	return nil
}

// ListPages returns a job's pages with their alternate URLs.
func (s *Store) ListPages(ctx context.Context, jobID string) ([]crawl.PageRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.job_id, p.canonical_url, p.content_hash, p.title, p.text_content,
	p.html_ref, p.markdown, p.markdown_score, p.metadata, p.fetched_at,
	COALESCE(array_agg(a.url) FILTER (WHERE a.url IS NOT NULL), '{}') AS alternates
FROM pages p
LEFT JOIN page_alternate_urls a ON a.page_id = p.id
WHERE p.job_id = $1
GROUP BY p.id
ORDER BY p.fetched_at`, jobID)
	if err != nil {
		return nil, schemaErr("select pages", err)
	}
	defer rows.Close()

	var pages []crawl.PageRecord
	for rows.Next() {
		var (
			page     crawl.PageRecord
			metadata []byte
		)
		if err := rows.Scan(&page.ID, &page.JobID, &page.CanonicalURL, &page.ContentHash,
			&page.Title, &page.Text, &page.HTMLRef, &page.Markdown, &page.MarkdownScore,
			&metadata, &page.FetchedAt, &page.AlternateURLs); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &page.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

// SaveCrawlError records a page failure row.
func (s *Store) SaveCrawlError(ctx context.Context, jobID, url, detail string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_errors (job_id, url, detail, created_at)
VALUES ($1, $2, $3, $4)`, jobID, url, detail, at)
	if err != nil {
		return schemaErr("insert crawl error", err)
	}
	return nil
}

func scanPage(row pgx.Row, op string) (crawl.PageRecord, error) {
	var (
		page     crawl.PageRecord
		metadata []byte
	)
	err := row.Scan(&page.ID, &page.JobID, &page.CanonicalURL, &page.ContentHash,
		&page.Title, &page.Text, &page.HTMLRef, &page.Markdown, &page.MarkdownScore,
		&metadata, &page.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.PageRecord{}, crawl.ErrNotFound
		}
		return crawl.PageRecord{}, schemaErr(op, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &page.Metadata); err != nil {
			return crawl.PageRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return page, nil
}

// SQLSTATEs that mean the schema does not match the code: undefined
// column, undefined table.
func schemaErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42703", "42P01":
			return fmt.Errorf("%s: %w: %s", op, crawl.ErrSchemaMismatch, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
