package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pagesift/pagesift/internal/crawl"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	job := crawl.JobRecord{
		ID:      "job-1",
		Targets: []string{"https://example.com/docs"},
		Status:  crawl.StatusCreated,
		Options: crawl.DefaultOptions(),
		Created: now,
	}

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(job.ID, pgxmock.AnyArg(), "created", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("missing", "completed", (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJob(context.Background(), "missing", crawl.StatusCompleted, nil)
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	started := now.Add(time.Second)

	rows := pgxmock.NewRows([]string{
		"id", "targets", "status", "options", "created_at", "started_at", "finished_at",
	}).AddRow(
		"job-1", []byte(`["https://example.com/docs"]`), "in_progress",
		[]byte(`{"workers":5}`), now, &started, (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT id, targets, status, options").
		WithArgs("job-1").WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusInProgress, job.Status)
	require.Equal(t, []string{"https://example.com/docs"}, job.Targets)
	require.Equal(t, 5, job.Options.Workers)
	require.NotNil(t, job.Started)
	require.Nil(t, job.Finished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, targets, status, options").
		WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestGetPageByCanonicalURL(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "job_id", "canonical_url", "content_hash", "title", "text_content",
		"html_ref", "markdown", "markdown_score", "metadata", "fetched_at",
	}).AddRow(
		"page-1", "job-1", "https://example.com/docs", "hash-a", "Docs", "words",
		"gs://bucket/page-1.html", "", 0.0, []byte(`{"description":"d"}`), now,
	)
	mock.ExpectQuery("SELECT (.+) FROM pages WHERE canonical_url").
		WithArgs("https://example.com/docs").WillReturnRows(rows)

	page, err := store.GetPageByCanonicalURL(context.Background(), "https://example.com/docs")
	require.NoError(t, err)
	require.Equal(t, "page-1", page.ID)
	require.Equal(t, "hash-a", page.ContentHash)
	require.Equal(t, map[string]string{"description": "d"}, page.Metadata)

	mock.ExpectQuery("SELECT (.+) FROM pages WHERE canonical_url").
		WithArgs("https://example.com/missing").WillReturnError(pgx.ErrNoRows)
	_, err = store.GetPageByCanonicalURL(context.Background(), "https://example.com/missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePageInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	page := crawl.PageRecord{
		ID: "page-1", JobID: "job-1",
		CanonicalURL: "https://example.com/docs",
		ContentHash:  "hash-a",
		Title:        "Docs", Text: "words",
		FetchedAt: now,
	}

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(page.ID, page.JobID, page.CanonicalURL, page.ContentHash,
			page.Title, page.Text, "", "", 0.0, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.SavePage(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, "page-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePageUniqueViolationIsDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO pages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: `duplicate key value violates unique constraint "pages_job_id_content_hash_key"`})

	_, err := store.SavePage(context.Background(), crawl.PageRecord{ID: "page-1", JobID: "job-1", ContentHash: "hash-a"})
	require.ErrorIs(t, err, crawl.ErrDuplicatePage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePageSchemaMismatch(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO pages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "42703", Message: `column "markdown" does not exist`})

	_, err := store.SavePage(context.Background(), crawl.PageRecord{ID: "page-1"})
	require.ErrorIs(t, err, crawl.ErrSchemaMismatch)
}

func TestAppendAlternateURLIgnoresConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO page_alternate_urls").
		WithArgs("page-1", "https://example.com/alias").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.AppendAlternateURL(context.Background(), "page-1", "https://example.com/alias"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPagesAggregatesAlternates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "job_id", "canonical_url", "content_hash", "title", "text_content",
		"html_ref", "markdown", "markdown_score", "metadata", "fetched_at", "alternates",
	}).AddRow(
		"page-1", "job-1", "https://example.com/a", "hash-a", "", "alpha",
		"", "", 0.0, []byte(nil), now, []string{"https://example.com/a-alias"},
	)
	mock.ExpectQuery("SELECT p.id, p.job_id").
		WithArgs("job-1").WillReturnRows(rows)

	pages, err := store.ListPages(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, []string{"https://example.com/a-alias"}, pages[0].AlternateURLs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCrawlError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO crawl_errors").
		WithArgs("job-1", "https://example.com/bad", "navigate: timeout", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveCrawlError(context.Background(), "job-1", "https://example.com/bad", "navigate: timeout", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaMismatchOnUndefinedTable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM pages WHERE job_id").
		WithArgs("job-1", "hash-a").
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "pages" does not exist`})

	_, err := store.GetPageByContentHash(context.Background(), "job-1", "hash-a")
	require.ErrorIs(t, err, crawl.ErrSchemaMismatch)
}
