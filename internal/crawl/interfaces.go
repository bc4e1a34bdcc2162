package crawl

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ErrDuplicatePage is returned by Store.SavePage when the job already
// holds a page with the same content hash. The save is the arbiter for
// concurrent workers that both missed the hash lookup: the loser folds
// its URL into the winner's record instead of persisting a second one.
var ErrDuplicatePage = errors.New("page with this content hash already exists for the job")

// ErrSchemaMismatch is returned by Store implementations when the
// database schema does not match what the code expects, typically after
// a skipped migration. Callers treat cache reads failing this way as
// cache misses and fall back to fetching.
var ErrSchemaMismatch = errors.New(
	"storage schema mismatch: run the pending migrations before crawling")

// Renderer renders a URL through a real browser tab and reports the
// JavaScript-executed content. Implementations own a session pool;
// Teardown destroys it and is idempotent.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
	Teardown(ctx context.Context) error
}

// Store persists job and page records and the per-job content-hash index.
type Store interface {
	CreateJob(ctx context.Context, job JobRecord) error
	UpdateJob(ctx context.Context, jobID string, status Status, finished *time.Time) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	// GetPageByCanonicalURL serves the render cache across jobs.
	GetPageByCanonicalURL(ctx context.Context, url string) (PageRecord, error)
	// GetPageByContentHash resolves "same content, different URL" within a job.
	GetPageByContentHash(ctx context.Context, jobID, hash string) (PageRecord, error)
	SavePage(ctx context.Context, page PageRecord) (string, error)
	AppendAlternateURL(ctx context.Context, pageID, url string) error
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
}

// BlobStore caches raw page HTML and returns a reference URI.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// Publisher pushes page/job completion events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SeedDiscoverer expands targets into seed URLs, typically via sitemaps.
// It is best-effort: on failure the job seeds from the targets alone.
type SeedDiscoverer interface {
	DiscoverSeedURLs(ctx context.Context, targets []string, strict bool) ([]string, error)
}

// Diagnostics records per-URL errors. Fire-and-forget: implementations
// must never panic or block the caller on downstream failures.
type Diagnostics interface {
	LogError(source string, err error, context map[string]string)
}

// Hasher digests normalized page text for deduplication.
type Hasher interface {
	HashText(text string) string
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and page IDs.
type IDGenerator interface {
	NewID() (string, error)
}
