// Package memory implements the crawl store and blob store in process
// memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pagesift/pagesift/internal/crawl"
)

// Store keeps jobs, pages, and the per-job content-hash index in maps.
// Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]crawl.JobRecord
	pages  map[string]crawl.PageRecord // page ID -> record
	byURL  map[string]string           // canonical URL -> page ID (newest wins)
	byHash map[string]string           // jobID + "\x00" + hash -> page ID
	byJob  map[string][]string         // job ID -> page IDs in save order
	errs   map[string][]CrawlError     // job ID -> error rows
}

// CrawlError is one recorded page failure.
type CrawlError struct {
	URL    string
	Detail string
	At     time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:   make(map[string]crawl.JobRecord),
		pages:  make(map[string]crawl.PageRecord),
		byURL:  make(map[string]string),
		byHash: make(map[string]string),
		byJob:  make(map[string][]string),
		errs:   make(map[string][]CrawlError),
	}
}

var _ crawl.Store = (*Store)(nil)

// CreateJob stores a new job record.
func (s *Store) CreateJob(_ context.Context, job crawl.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob transitions a job's status, setting timestamps as the
// lifecycle advances.
func (s *Store) UpdateJob(_ context.Context, jobID string, status crawl.Status, finished *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.Status = status
	if status == crawl.StatusInProgress && job.Started == nil {
		now := time.Now().UTC()
		job.Started = &now
	}
	if finished != nil {
		job.Finished = finished
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawl.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.JobRecord{}, crawl.ErrNotFound
	}
	return job, nil
}

// GetPageByCanonicalURL returns the most recently saved page for the
// URL, across jobs. This is the render cache.
func (s *Store) GetPageByCanonicalURL(_ context.Context, url string) (crawl.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[url]
	if !ok {
		return crawl.PageRecord{}, crawl.ErrNotFound
	}
	return s.pages[id], nil
}

// GetPageByContentHash resolves duplicates within a single job.
func (s *Store) GetPageByContentHash(_ context.Context, jobID, hash string) (crawl.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hashKey(jobID, hash)]
	if !ok {
		return crawl.PageRecord{}, crawl.ErrNotFound
	}
	return s.pages[id], nil
}

// SavePage persists a page record and indexes it by URL and content hash.
func (s *Store) SavePage(_ context.Context, page crawl.PageRecord) (string, error) {
	if page.ID == "" {
		return "", fmt.Errorf("page id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHash[hashKey(page.JobID, page.ContentHash)]; exists {
		return "", crawl.ErrDuplicatePage
	}
	s.pages[page.ID] = page
	s.byURL[page.CanonicalURL] = page.ID
	s.byHash[hashKey(page.JobID, page.ContentHash)] = page.ID
	s.byJob[page.JobID] = append(s.byJob[page.JobID], page.ID)
	return page.ID, nil
}

// AppendAlternateURL adds a URL to an existing page's alternate list.
func (s *Store) AppendAlternateURL(_ context.Context, pageID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return crawl.ErrNotFound
	}
	for _, existing := range page.AlternateURLs {
		if existing == url {
			return nil
		}
	}
	page.AlternateURLs = append(page.AlternateURLs, url)
	s.pages[pageID] = page
	return nil
}

// ListPages returns a job's pages in save order.
func (s *Store) ListPages(_ context.Context, jobID string) ([]crawl.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byJob[jobID]
	out := make([]crawl.PageRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.pages[id])
	}
	return out, nil
}

// SaveCrawlError records a page failure for post-run inspection.
func (s *Store) SaveCrawlError(_ context.Context, jobID, url, detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[jobID] = append(s.errs[jobID], CrawlError{URL: url, Detail: detail, At: at})
	return nil
}

// CrawlErrors returns the recorded failures for a job.
func (s *Store) CrawlErrors(jobID string) []CrawlError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CrawlError(nil), s.errs[jobID]...)
}

func hashKey(jobID, hash string) string {
	return jobID + "\x00" + hash
}
