// Package crawl implements the crawl orchestration engine: domain types,
// collaborator interfaces, the frontier, the job state machine, and the
// single-active-job registry.
package crawl

import (
	"time"
)

// Status is the lifecycle state of a crawl job.
type Status string

// Job status values persisted in the store.
const (
	StatusCreated             Status = "created"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusInterrupted         Status = "interrupted"
)

// Terminal reports whether a status ends the job lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Worker count and external hop bounds enforced by Options.normalize.
const (
	MinWorkers = 1
	MaxWorkers = 10
	MinHops    = 1
	MaxHops    = 5

	DefaultWorkers      = 5
	DefaultMaxHops      = 1
	DefaultFetchTimeout = 30 * time.Second
	DefaultRequestDelay = 500 * time.Millisecond
)

// Options captures the per-job configuration surface.
type Options struct {
	// Workers is the concurrent worker count, clamped to 1..10.
	Workers int `json:"workers"`
	// PageLimit caps persisted unique pages per target; 0 means unlimited.
	PageLimit int `json:"page_limit"`
	// Strict requires links to extend the base path on a "/" boundary.
	Strict bool `json:"strict"`
	// SkipCache forces a fresh render even when a cached page exists.
	SkipCache bool `json:"skip_cache"`
	// IsolatedContext renders in an incognito-equivalent browser context.
	IsolatedContext bool `json:"isolated_context"`
	// FollowExternal enables traversal beyond the targets.
	FollowExternal bool `json:"follow_external"`
	// MaxExternalHops bounds external traversal depth, clamped to 1..5.
	MaxExternalHops int `json:"max_external_hops"`
	// DropQuery removes query strings during canonicalization.
	DropQuery bool `json:"drop_query"`
	// WaitSelectors are CSS selectors awaited after readiness, best-effort.
	WaitSelectors []string `json:"wait_selectors,omitempty"`
	// FetchTimeout is the per-URL deadline covering session acquisition,
	// navigation, readiness, and extraction.
	FetchTimeout time.Duration `json:"fetch_timeout"`
	// RequestDelay is the fixed inter-request sleep per worker.
	RequestDelay time.Duration `json:"request_delay"`
}

// DefaultOptions returns the option set used when the caller leaves
// everything unset. Strict scope matching is on by default.
func DefaultOptions() Options {
	return Options{
		Workers:         DefaultWorkers,
		Strict:          true,
		MaxExternalHops: DefaultMaxHops,
		FetchTimeout:    DefaultFetchTimeout,
		RequestDelay:    DefaultRequestDelay,
	}
}

func (o Options) normalize() Options {
	if o.Workers < MinWorkers {
		o.Workers = DefaultWorkers
	}
	if o.Workers > MaxWorkers {
		o.Workers = MaxWorkers
	}
	if o.MaxExternalHops < MinHops {
		o.MaxExternalHops = DefaultMaxHops
	}
	if o.MaxExternalHops > MaxHops {
		o.MaxExternalHops = MaxHops
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.RequestDelay < 0 {
		o.RequestDelay = 0
	}
	if o.PageLimit < 0 {
		o.PageLimit = 0
	}
	return o
}

// JobRecord is the metadata persisted for each submitted crawl.
type JobRecord struct {
	ID       string     `json:"id"`
	Targets  []string   `json:"targets"`
	Status   Status     `json:"status"`
	Options  Options    `json:"options"`
	Created  time.Time  `json:"created_at"`
	Started  *time.Time `json:"started_at,omitempty"`
	Finished *time.Time `json:"finished_at,omitempty"`
}

// PageRecord is persisted for each unique-content page. URLs that hash to
// an existing record only extend AlternateURLs; they never create a
// second record.
type PageRecord struct {
	ID            string            `json:"id"`
	JobID         string            `json:"job_id"`
	CanonicalURL  string            `json:"canonical_url"`
	ContentHash   string            `json:"content_hash"`
	Title         string            `json:"title,omitempty"`
	Text          string            `json:"text"`
	HTMLRef       string            `json:"html_ref,omitempty"`
	Markdown      string            `json:"markdown,omitempty"`
	MarkdownScore float64           `json:"markdown_score,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	AlternateURLs []string          `json:"alternate_urls,omitempty"`
	FetchedAt     time.Time         `json:"fetched_at"`
}

// Progress is the point-in-time snapshot exposed to callers.
type Progress struct {
	Status         Status   `json:"status"`
	PagesFound     int      `json:"pages_found"`
	PagesProcessed int      `json:"pages_processed"`
	PagesFailed    int      `json:"pages_failed"`
	QueueSize      int      `json:"queue_size"`
	InProgress     []string `json:"in_progress"`
}

// RenderRequest asks the renderer collaborator for one page.
type RenderRequest struct {
	URL           string
	Timeout       time.Duration
	WaitSelectors []string
	Isolated      bool
	// LinksOnly marks a fetch performed purely for link re-discovery, so
	// renderer implementations may skip expensive extraction work.
	LinksOnly bool
}

// RenderResult is the rendered page as returned by the collaborator.
type RenderResult struct {
	HTML     string
	Text     string
	Links    []string
	Title    string
	Metadata map[string]string
}
