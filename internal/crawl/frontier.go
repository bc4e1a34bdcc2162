package crawl

import "sync"

// entry is one frontier slot: a canonical URL, its assigned depth, and
// the index of the target whose quota it draws from. External entries
// inherit the target of the page that discovered them.
type entry struct {
	url    string
	depth  int
	target int
}

// frontier owns all mutable crawl state shared by the workers: the FIFO
// queue, the in-flight and completed sets, the failed map, and the
// per-target persisted-page counters. Every method takes the single
// mutex, which keeps the membership invariant checkable in one place: a
// canonical URL is in at most one of {queue, in-flight, completed}.
type frontier struct {
	mu sync.Mutex

	limit     int // unique pages per target, 0 = unlimited
	persisted []int

	queue     []entry
	queued    map[string]struct{}
	inFlight  map[string]struct{}
	completed map[string]struct{}
	failed    map[string]string

	found int
}

func newFrontier(numTargets, limit int) *frontier {
	return &frontier{
		limit:     limit,
		persisted: make([]int, numTargets),
		queued:    make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
		completed: make(map[string]struct{}),
		failed:    make(map[string]string),
	}
}

// enqueue admits a URL unless it is already known in any set. Returns
// whether the entry was accepted.
func (f *frontier) enqueue(e entry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.queued[e.url]; ok {
		return false
	}
	if _, ok := f.inFlight[e.url]; ok {
		return false
	}
	if _, ok := f.completed[e.url]; ok {
		return false
	}
	if _, ok := f.failed[e.url]; ok {
		return false
	}
	f.queue = append(f.queue, e)
	f.queued[e.url] = struct{}{}
	f.found++
	return true
}

// next claims the first queued entry whose target still has capacity,
// moving it to in-flight. Entries for full targets are skipped in place;
// they stay queued because capacity never returns once consumed, but a
// later scan costs nothing and keeps the FIFO order intact.
func (f *frontier) next() (entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, e := range f.queue {
		if !f.capacityLocked(e.target) {
			continue
		}
		f.queue = append(f.queue[:i], f.queue[i+1:]...)
		delete(f.queued, e.url)
		f.inFlight[e.url] = struct{}{}
		return e, true
	}
	return entry{}, false
}

// completePersisted finishes a URL whose unique content was persisted,
// drawing one slot from the owning target's quota.
func (f *frontier) completePersisted(url string, target int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, url)
	f.completed[url] = struct{}{}
	if target >= 0 && target < len(f.persisted) {
		f.persisted[target]++
	}
}

// completeNoCount finishes a URL without touching any quota: duplicates
// resolved by the content-hash index, cache-served pages, and results
// dropped by the write-time quota check.
func (f *frontier) completeNoCount(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, url)
	f.completed[url] = struct{}{}
}

// fail records a URL-level error. The URL leaves in-flight permanently.
func (f *frontier) fail(url, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, url)
	f.failed[url] = detail
}

// release drops an in-flight claim without recording an outcome. Used
// when cancellation is observed after a fetch already started.
func (f *frontier) release(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, url)
}

// capacity is the conservative per-target check used at queue-grab time
// and again at write time: only persisted pages count, in-flight claims
// are ignored so duplicate or failed fetches never under-count the
// remaining budget.
func (f *frontier) capacity(target int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacityLocked(target)
}

func (f *frontier) capacityLocked(target int) bool {
	if f.limit <= 0 {
		return true
	}
	if target < 0 || target >= len(f.persisted) {
		return true
	}
	return f.persisted[target] < f.limit
}

// anyCapacity is the job-level "keep accepting work" predicate.
func (f *frontier) anyCapacity() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit <= 0 {
		return true
	}
	for i := range f.persisted {
		if f.persisted[i] < f.limit {
			return true
		}
	}
	return false
}

// allMet is the liberal job-level "we are done" predicate: every target
// reached its limit.
func (f *frontier) allMet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit <= 0 {
		return false
	}
	for i := range f.persisted {
		if f.persisted[i] < f.limit {
			return false
		}
	}
	return true
}

// stalled reports that no worker can make progress: nothing is in
// flight, and nothing eligible remains in the queue.
func (f *frontier) stalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inFlight) > 0 {
		return false
	}
	for _, e := range f.queue {
		if f.capacityLocked(e.target) {
			return false
		}
	}
	return true
}

// clearPending empties the queue and in-flight set so progress reports
// show zero remaining work after cancellation or a quota stop.
func (f *frontier) clearPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
	f.queued = make(map[string]struct{})
	f.inFlight = make(map[string]struct{})
}

func (f *frontier) failedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failed)
}

func (f *frontier) snapshot() Progress {
	f.mu.Lock()
	defer f.mu.Unlock()

	inProgress := make([]string, 0, len(f.inFlight))
	for url := range f.inFlight {
		inProgress = append(inProgress, url)
	}
	return Progress{
		PagesFound:     f.found,
		PagesProcessed: len(f.completed),
		PagesFailed:    len(f.failed),
		QueueSize:      len(f.queue),
		InProgress:     inProgress,
	}
}
