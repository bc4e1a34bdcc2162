package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/canon"
	"github.com/pagesift/pagesift/internal/links"
	"github.com/pagesift/pagesift/internal/progress"
)

// ErrNoTargets is returned by Start when no target survives
// canonicalization.
var ErrNoTargets = errors.New("no valid crawl targets")

// Publisher topics for downstream consumers.
const (
	TopicPages = "pagesift.pages"
	TopicJobs  = "pagesift.jobs"
)

const (
	idlePollInterval = 100 * time.Millisecond
	discoveryTimeout = 30 * time.Second
	finishTimeout    = 30 * time.Second
)

// PageEvent is published on TopicPages for every persisted page.
type PageEvent struct {
	JobID        string    `json:"job_id"`
	PageID       string    `json:"page_id"`
	CanonicalURL string    `json:"canonical_url"`
	ContentHash  string    `json:"content_hash"`
	FromCache    bool      `json:"from_cache"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// JobEvent is published on TopicJobs when a job reaches a terminal state.
type JobEvent struct {
	JobID          string    `json:"job_id"`
	Status         Status    `json:"status"`
	PagesProcessed int       `json:"pages_processed"`
	PagesFailed    int       `json:"pages_failed"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Deps bundles the collaborators the orchestrator drives. Store,
// Renderer, Hasher, Clock, and IDs are required; the rest degrade to
// no-ops when nil.
type Deps struct {
	Store       Store
	Blobs       BlobStore
	Renderer    Renderer
	Publisher   Publisher
	Discoverer  SeedDiscoverer
	Diagnostics Diagnostics
	Hasher      Hasher
	Clock       Clock
	IDs         IDGenerator
	Emitter     progress.Emitter
	Logger      *zap.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("store is required")
	case d.Renderer == nil:
		return errors.New("renderer is required")
	case d.Hasher == nil:
		return errors.New("hasher is required")
	case d.Clock == nil:
		return errors.New("clock is required")
	case d.IDs == nil:
		return errors.New("id generator is required")
	}
	return nil
}

// Job is one crawl run. It owns the frontier, the worker goroutines,
// and the lifecycle transitions; collaborators are injected via Deps.
type Job struct {
	id      string
	targets []string
	opts    Options
	deps    Deps
	logger  *zap.Logger

	frontier *frontier
	policy   links.Policy

	cancel   context.CancelFunc
	canceled atomic.Bool
	status   atomic.Value // Status

	pauseMu sync.Mutex
	paused  chan struct{} // non-nil while paused; closed on resume

	started time.Time
	done    chan struct{}
}

// newJob canonicalizes targets, persists the job record, and launches
// the run goroutine. Callers go through Registry.Start, which enforces
// the single-active-job rule.
func newJob(ctx context.Context, rawTargets []string, opts Options, deps Deps) (*Job, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("crawl deps: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.normalize()

	targets := make([]string, 0, len(rawTargets))
	for _, raw := range rawTargets {
		canonical, ok := canonicalFor(raw, opts.DropQuery)
		if !ok {
			logger.Warn("dropping invalid crawl target", zap.String("target", raw))
			continue
		}
		targets = append(targets, canonical)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	id, err := deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	now := deps.Clock.Now()
	record := JobRecord{
		ID:      id,
		Targets: targets,
		Status:  StatusCreated,
		Options: opts,
		Created: now,
	}
	if err := deps.Store.CreateJob(ctx, record); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	j := &Job{
		id:       id,
		targets:  targets,
		opts:     opts,
		deps:     deps,
		logger:   logger.With(zap.String("job_id", id)),
		frontier: newFrontier(len(targets), opts.PageLimit),
		policy: links.Policy{
			Targets:        targets,
			Strict:         opts.Strict,
			FollowExternal: opts.FollowExternal,
			MaxHops:        opts.MaxExternalHops,
			DropQuery:      opts.DropQuery,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	j.status.Store(StatusCreated)

	for i, target := range targets {
		j.frontier.enqueue(entry{url: target, depth: 0, target: i})
	}

	go j.run(runCtx)
	return j, nil
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Status returns the current lifecycle state.
func (j *Job) Status() Status { return j.status.Load().(Status) }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Progress reports a point-in-time snapshot.
func (j *Job) Progress() Progress {
	p := j.frontier.snapshot()
	p.Status = j.Status()
	return p
}

// Cancel stops the job. Cancellation is not an error: in-flight results
// are discarded, the final status is Interrupted, and the failed count
// is unaffected. Idempotent.
func (j *Job) Cancel() {
	if j.canceled.CompareAndSwap(false, true) {
		j.logger.Info("job cancel requested")
	}
	j.cancel()
	j.Resume() // unblock workers parked on pause
}

// Pause parks the workers after their current URL. Idempotent.
func (j *Job) Pause() {
	j.pauseMu.Lock()
	defer j.pauseMu.Unlock()
	if j.paused == nil {
		j.paused = make(chan struct{})
		j.logger.Info("job paused")
	}
}

// Resume releases paused workers. Idempotent.
func (j *Job) Resume() {
	j.pauseMu.Lock()
	defer j.pauseMu.Unlock()
	if j.paused != nil {
		close(j.paused)
		j.paused = nil
		j.logger.Info("job resumed")
	}
}

// awaitResume blocks while the job is paused. Returns false when ctx
// ends first.
func (j *Job) awaitResume(ctx context.Context) bool {
	j.pauseMu.Lock()
	ch := j.paused
	j.pauseMu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)

	j.started = j.deps.Clock.Now()
	j.status.Store(StatusInProgress)
	started := j.started
	if err := j.deps.Store.UpdateJob(ctx, j.id, StatusInProgress, nil); err != nil {
		j.logger.Warn("mark job in progress failed", zap.Error(err))
	}
	j.emit(progress.Event{
		JobID: j.id, TS: started, Stage: progress.StageJobStart,
	})
	j.logger.Info("job started",
		zap.Strings("targets", j.targets),
		zap.Int("workers", j.opts.Workers),
		zap.Int("page_limit", j.opts.PageLimit),
	)

	j.discoverSeeds(ctx)

	var wg sync.WaitGroup
	for i := 0; i < j.opts.Workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			j.worker(ctx, idx)
		}(i)
	}
	wg.Wait()

	j.finish()
}

// discoverSeeds expands the targets through the sitemap discoverer.
// Best-effort: any failure leaves the frontier seeded from the targets
// alone.
func (j *Job) discoverSeeds(ctx context.Context) {
	if j.deps.Discoverer == nil {
		return
	}
	seedCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	urls, err := j.deps.Discoverer.DiscoverSeedURLs(seedCtx, j.targets, j.opts.Strict)
	if err != nil {
		j.logger.Warn("seed discovery failed, crawling from targets alone", zap.Error(err))
		return
	}
	accepted := 0
	for _, raw := range urls {
		canonical, ok := canonicalFor(raw, j.opts.DropQuery)
		if !ok {
			continue
		}
		if j.frontier.enqueue(entry{url: canonical, depth: 0, target: j.ownerTarget(canonical)}) {
			accepted++
		}
	}
	j.logger.Info("seed discovery finished",
		zap.Int("discovered", len(urls)), zap.Int("accepted", accepted))
}

func (j *Job) worker(ctx context.Context, idx int) {
	logger := j.logger.With(zap.Int("worker", idx))
	for {
		if ctx.Err() != nil || j.canceled.Load() {
			return
		}
		if !j.awaitResume(ctx) {
			return
		}
		if !j.frontier.anyCapacity() {
			logger.Debug("every target met its page limit")
			return
		}
		e, ok := j.frontier.next()
		if !ok {
			if j.frontier.stalled() {
				return
			}
			if !sleepCtx(ctx, idlePollInterval) {
				return
			}
			continue
		}
		j.process(ctx, e)
		if j.opts.RequestDelay > 0 && !sleepCtx(ctx, j.opts.RequestDelay) {
			return
		}
	}
}

// process handles one claimed URL end to end. Every exit path moves the
// URL out of in-flight exactly once.
func (j *Job) process(ctx context.Context, e entry) {
	if !j.opts.SkipCache && j.tryCache(ctx, e) {
		return
	}

	start := j.deps.Clock.Now()
	res, err := j.deps.Renderer.Render(ctx, RenderRequest{
		URL:           e.url,
		Timeout:       j.opts.FetchTimeout,
		WaitSelectors: j.opts.WaitSelectors,
		Isolated:      j.opts.IsolatedContext,
	})
	if err != nil {
		if ctx.Err() != nil || j.canceled.Load() {
			// Cancellation is not a failure; drop the claim silently.
			j.frontier.release(e.url)
			return
		}
		j.failPage(e, err)
		return
	}
	elapsed := j.deps.Clock.Now().Sub(start)

	hash := j.deps.Hasher.HashText(res.Text)
	if j.resolveDuplicate(ctx, e, hash) {
		j.enqueueLinks(e, res.Links)
		return
	}
	// Second quota check at write time closes the worker race: the claim
	// was made before the render, the quota may have filled meanwhile.
	if !j.frontier.capacity(e.target) {
		j.frontier.completeNoCount(e.url)
		j.enqueueLinks(e, res.Links)
		return
	}

	pageID, err := j.deps.IDs.NewID()
	if err != nil {
		j.failPage(e, fmt.Errorf("generate page id: %w", err))
		return
	}
	htmlRef := j.putBlob(ctx, pageID, res.HTML)
	page := PageRecord{
		ID:           pageID,
		JobID:        j.id,
		CanonicalURL: e.url,
		ContentHash:  hash,
		Title:        res.Title,
		Text:         res.Text,
		HTMLRef:      htmlRef,
		Metadata:     res.Metadata,
		FetchedAt:    j.deps.Clock.Now(),
	}
	if _, err := j.deps.Store.SavePage(ctx, page); err != nil {
		if errors.Is(err, ErrDuplicatePage) {
			// Another worker persisted identical content between the
			// hash lookup and this save; fold into the winning record.
			if !j.resolveDuplicate(ctx, e, hash) {
				j.frontier.completeNoCount(e.url)
				j.emit(progress.Event{
					JobID: j.id, TS: j.deps.Clock.Now(), Stage: progress.StagePageDuplicate,
					Host: canon.Host(e.url), URL: e.url, Depth: e.depth,
				})
			}
			j.enqueueLinks(e, res.Links)
			return
		}
		j.failPage(e, fmt.Errorf("save page: %w", err))
		return
	}

	j.frontier.completePersisted(e.url, e.target)
	j.emit(progress.Event{
		JobID: j.id, TS: page.FetchedAt, Stage: progress.StagePageDone,
		Host: canon.Host(e.url), URL: e.url, Depth: e.depth, Dur: elapsed,
	})
	j.publish(TopicPages, PageEvent{
		JobID: j.id, PageID: pageID, CanonicalURL: e.url,
		ContentHash: hash, FetchedAt: page.FetchedAt,
	})
	j.enqueueLinks(e, res.Links)
}

// putBlob stores the rendered HTML and returns its reference, or ""
// when no blob store is configured or the write fails. Blob failures
// never fail the page; the text column is the durable copy.
func (j *Job) putBlob(ctx context.Context, pageID, html string) string {
	if j.deps.Blobs == nil || html == "" {
		return ""
	}
	ref, err := j.deps.Blobs.PutObject(ctx, j.id+"/"+pageID+".html", "text/html; charset=utf-8", []byte(html))
	if err != nil {
		j.logError("blob", err, map[string]string{"page_id": pageID})
		return ""
	}
	return ref
}

// tryCache serves the URL from a previous job's render when possible.
// The cache saves the render, not the bookkeeping: cached content still
// flows through dedup, quota, and persistence for the current job.
// Returns false to fall through to a fresh render.
func (j *Job) tryCache(ctx context.Context, e entry) bool {
	cached, err := j.deps.Store.GetPageByCanonicalURL(ctx, e.url)
	if err != nil {
		if errors.Is(err, ErrSchemaMismatch) {
			j.logError("cache", err, map[string]string{"url": e.url})
		} else if !errors.Is(err, ErrNotFound) {
			j.logger.Debug("cache lookup failed", zap.String("url", e.url), zap.Error(err))
		}
		return false
	}

	if j.resolveDuplicate(ctx, e, cached.ContentHash) {
		j.enqueueCachedLinks(ctx, e, cached)
		return true
	}
	if !j.frontier.capacity(e.target) {
		j.frontier.completeNoCount(e.url)
		j.enqueueCachedLinks(ctx, e, cached)
		return true
	}

	pageID, err := j.deps.IDs.NewID()
	if err != nil {
		j.failPage(e, fmt.Errorf("generate page id: %w", err))
		return true
	}
	now := j.deps.Clock.Now()
	page := PageRecord{
		ID:            pageID,
		JobID:         j.id,
		CanonicalURL:  e.url,
		ContentHash:   cached.ContentHash,
		Title:         cached.Title,
		Text:          cached.Text,
		HTMLRef:       cached.HTMLRef,
		Markdown:      cached.Markdown,
		MarkdownScore: cached.MarkdownScore,
		Metadata:      cached.Metadata,
		FetchedAt:     now,
	}
	if _, err := j.deps.Store.SavePage(ctx, page); err != nil {
		j.failPage(e, fmt.Errorf("save cached page: %w", err))
		return true
	}

	j.frontier.completePersisted(e.url, e.target)
	j.emit(progress.Event{
		JobID: j.id, TS: now, Stage: progress.StagePageCached,
		Host: canon.Host(e.url), URL: e.url, Depth: e.depth,
	})
	j.publish(TopicPages, PageEvent{
		JobID: j.id, PageID: pageID, CanonicalURL: e.url,
		ContentHash: cached.ContentHash, FromCache: true, FetchedAt: now,
	})
	j.enqueueCachedLinks(ctx, e, cached)
	return true
}

// enqueueCachedLinks re-derives outgoing links for a cache-served page:
// from the cached HTML blob when present, else one discovery-only fetch.
func (j *Job) enqueueCachedLinks(ctx context.Context, e entry, cached PageRecord) {
	if cached.HTMLRef != "" && j.deps.Blobs != nil {
		data, err := j.deps.Blobs.GetObject(ctx, cached.HTMLRef)
		if err == nil {
			raw, err := links.FromHTML(string(data))
			if err == nil {
				j.enqueueLinks(e, raw)
				return
			}
			j.logger.Debug("cached html parse failed", zap.String("url", e.url), zap.Error(err))
		} else {
			j.logger.Debug("cached html fetch failed",
				zap.String("ref", cached.HTMLRef), zap.Error(err))
		}
	}

	res, err := j.deps.Renderer.Render(ctx, RenderRequest{
		URL:       e.url,
		Timeout:   j.opts.FetchTimeout,
		Isolated:  j.opts.IsolatedContext,
		LinksOnly: true,
	})
	if err != nil {
		// Discovery fetch failures never fail the page; it was already
		// accounted for.
		if ctx.Err() == nil && !j.canceled.Load() {
			j.logger.Debug("link discovery fetch failed", zap.String("url", e.url), zap.Error(err))
		}
		return
	}
	j.enqueueLinks(e, res.Links)
}

// resolveDuplicate folds the URL into an existing page of this job when
// the content hash is already known. The duplicate draws no quota.
func (j *Job) resolveDuplicate(ctx context.Context, e entry, hash string) bool {
	existing, err := j.deps.Store.GetPageByContentHash(ctx, j.id, hash)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			j.logger.Debug("content hash lookup failed", zap.String("url", e.url), zap.Error(err))
		}
		return false
	}
	if existing.CanonicalURL != e.url {
		if err := j.deps.Store.AppendAlternateURL(ctx, existing.ID, e.url); err != nil {
			j.logger.Warn("append alternate url failed",
				zap.String("page_id", existing.ID), zap.String("url", e.url), zap.Error(err))
		}
	}
	j.frontier.completeNoCount(e.url)
	j.emit(progress.Event{
		JobID: j.id, TS: j.deps.Clock.Now(), Stage: progress.StagePageDuplicate,
		Host: canon.Host(e.url), URL: e.url, Depth: e.depth,
	})
	return true
}

// enqueueLinks filters a page's raw links and admits survivors to the
// frontier. Internal links are attributed to the target that owns them;
// external links inherit the discovering page's target for quota
// purposes.
func (j *Job) enqueueLinks(e entry, raw []string) {
	for _, l := range links.Extract(raw, e.url, e.depth, j.policy) {
		owner := e.target
		if l.Depth == 0 {
			owner = j.ownerTarget(l.URL)
		}
		j.frontier.enqueue(entry{url: l.URL, depth: l.Depth, target: owner})
	}
}

func (j *Job) ownerTarget(canonical string) int {
	for i, target := range j.targets {
		if canon.UnderBasePath(canonical, target, j.opts.Strict) {
			return i
		}
	}
	return 0
}

// failPage records a URL-level error: the URL is marked failed with
// detail, reported to diagnostics, and never retried. The job continues.
func (j *Job) failPage(e entry, err error) {
	j.frontier.fail(e.url, err.Error())
	j.logError("crawl", err, map[string]string{"url": e.url, "job_id": j.id})
	j.emit(progress.Event{
		JobID: j.id, TS: j.deps.Clock.Now(), Stage: progress.StagePageFailed,
		Host: canon.Host(e.url), URL: e.url, Depth: e.depth, Note: err.Error(),
	})
	j.logger.Warn("page failed", zap.String("url", e.url), zap.Error(err))
}

// finish runs after the last worker exits: tear down the renderer,
// clear pending work when the run was cut short, persist the terminal
// status, and announce completion.
func (j *Job) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if err := j.deps.Renderer.Teardown(ctx); err != nil {
		j.logger.Warn("renderer teardown failed", zap.Error(err))
	}

	if j.canceled.Load() || j.frontier.allMet() {
		j.frontier.clearPending()
	}

	status := StatusCompleted
	switch {
	case j.canceled.Load():
		status = StatusInterrupted
	case j.frontier.failedCount() > 0:
		status = StatusCompletedWithErrors
	}
	j.status.Store(status)

	finished := j.deps.Clock.Now()
	if err := j.deps.Store.UpdateJob(ctx, j.id, status, &finished); err != nil {
		j.logger.Error("persist terminal job status failed",
			zap.String("status", string(status)), zap.Error(err))
	}

	snapshot := j.frontier.snapshot()
	j.emit(progress.Event{
		JobID: j.id, TS: finished, Stage: progress.StageJobDone,
		Outcome: string(status), Dur: finished.Sub(j.started),
	})
	j.publish(TopicJobs, JobEvent{
		JobID:          j.id,
		Status:         status,
		PagesProcessed: snapshot.PagesProcessed,
		PagesFailed:    snapshot.PagesFailed,
		FinishedAt:     finished,
	})
	j.logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("pages_processed", snapshot.PagesProcessed),
		zap.Int("pages_failed", snapshot.PagesFailed),
		zap.Duration("elapsed", finished.Sub(j.started)),
	)
}

func (j *Job) emit(evt progress.Event) {
	if j.deps.Emitter != nil {
		j.deps.Emitter.Emit(evt)
	}
}

// publish sends a completion event, fire-and-forget.
func (j *Job) publish(topic string, payload any) {
	if j.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := j.deps.Publisher.Publish(ctx, topic, payload); err != nil {
		j.logger.Warn("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (j *Job) logError(source string, err error, fields map[string]string) {
	if j.deps.Diagnostics != nil {
		j.deps.Diagnostics.LogError(source, err, fields)
	}
}

func canonicalFor(raw string, dropQuery bool) (string, bool) {
	if dropQuery {
		return canon.CanonicalizeDropQuery(raw)
	}
	return canon.Canonicalize(raw)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
