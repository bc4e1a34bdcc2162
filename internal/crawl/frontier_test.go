package crawl

import "testing"

func TestFrontierMutualExclusion(t *testing.T) {
	t.Parallel()

	f := newFrontier(1, 0)
	if !f.enqueue(entry{url: "https://a.test/", target: 0}) {
		t.Fatal("first enqueue rejected")
	}
	if f.enqueue(entry{url: "https://a.test/", target: 0}) {
		t.Fatal("queued url enqueued twice")
	}

	e, ok := f.next()
	if !ok || e.url != "https://a.test/" {
		t.Fatalf("next() = %v, %v", e, ok)
	}
	if f.enqueue(entry{url: "https://a.test/", target: 0}) {
		t.Fatal("in-flight url re-entered the queue")
	}

	f.completePersisted(e.url, e.target)
	if f.enqueue(entry{url: "https://a.test/", target: 0}) {
		t.Fatal("completed url re-entered the queue")
	}
	if _, ok := f.next(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestFrontierFailedNeverRetries(t *testing.T) {
	t.Parallel()

	f := newFrontier(1, 0)
	f.enqueue(entry{url: "https://a.test/x", target: 0})
	e, _ := f.next()
	f.fail(e.url, "navigate: timeout")

	if f.enqueue(entry{url: "https://a.test/x", target: 0}) {
		t.Fatal("failed url re-entered the queue")
	}
	if f.failedCount() != 1 {
		t.Fatalf("failedCount = %d, want 1", f.failedCount())
	}
}

func TestFrontierQuotaScanSkip(t *testing.T) {
	t.Parallel()

	// Two targets, one page each. Target 0's entries must be skipped in
	// place once its quota fills, while target 1's remain claimable.
	f := newFrontier(2, 1)
	f.enqueue(entry{url: "https://a.test/1", target: 0})
	f.enqueue(entry{url: "https://a.test/2", target: 0})
	f.enqueue(entry{url: "https://b.test/1", target: 1})

	e, ok := f.next()
	if !ok || e.target != 0 {
		t.Fatalf("expected target 0 first, got %v", e)
	}
	f.completePersisted(e.url, 0)

	e, ok = f.next()
	if !ok || e.target != 1 {
		t.Fatalf("expected target 0 skipped after quota, got %v ok=%v", e, ok)
	}
	f.completePersisted(e.url, 1)

	if !f.allMet() {
		t.Fatal("both targets at limit, allMet should hold")
	}
	if f.anyCapacity() {
		t.Fatal("no capacity should remain")
	}
	if _, ok := f.next(); ok {
		t.Fatal("full targets must not be claimable")
	}
}

func TestFrontierNoCountCompletionsPreserveQuota(t *testing.T) {
	t.Parallel()

	f := newFrontier(1, 2)
	f.enqueue(entry{url: "https://a.test/1", target: 0})
	f.enqueue(entry{url: "https://a.test/2", target: 0})
	f.enqueue(entry{url: "https://a.test/3", target: 0})

	e, _ := f.next()
	f.completeNoCount(e.url) // duplicate: no quota draw
	e, _ = f.next()
	f.completePersisted(e.url, 0)

	if !f.capacity(0) {
		t.Fatal("one persisted page of two should leave capacity")
	}
	e, _ = f.next()
	f.completePersisted(e.url, 0)
	if f.capacity(0) {
		t.Fatal("quota should be exhausted")
	}
}

func TestFrontierUnlimitedWhenNoLimit(t *testing.T) {
	t.Parallel()

	f := newFrontier(1, 0)
	for i := 0; i < 100; i++ {
		f.enqueue(entry{url: "https://a.test/" + string(rune('a'+i%26)) + string(rune('0'+i/26)), target: 0})
	}
	if !f.anyCapacity() || f.allMet() {
		t.Fatal("unlimited frontier must always accept work and never report done")
	}
}

func TestFrontierStalled(t *testing.T) {
	t.Parallel()

	f := newFrontier(1, 1)
	if !f.stalled() {
		t.Fatal("empty frontier is stalled")
	}

	f.enqueue(entry{url: "https://a.test/1", target: 0})
	if f.stalled() {
		t.Fatal("eligible queued work means not stalled")
	}

	e, _ := f.next()
	if f.stalled() {
		t.Fatal("in-flight work means not stalled")
	}
	f.completePersisted(e.url, 0)

	f.enqueue(entry{url: "https://a.test/2", target: 0})
	if !f.stalled() {
		t.Fatal("queued entries for a full target cannot make progress")
	}
}

func TestFrontierReleaseDropsClaimSilently(t *testing.T) {
	t.Parallel()

	f := newFrontier(1, 0)
	f.enqueue(entry{url: "https://a.test/1", target: 0})
	e, _ := f.next()
	f.release(e.url)

	p := f.snapshot()
	if p.PagesProcessed != 0 || p.PagesFailed != 0 || len(p.InProgress) != 0 {
		t.Fatalf("released claim leaked into snapshot: %+v", p)
	}
}

func TestFrontierClearPending(t *testing.T) {
	t.Parallel()

	f := newFrontier(1, 0)
	f.enqueue(entry{url: "https://a.test/1", target: 0})
	f.enqueue(entry{url: "https://a.test/2", target: 0})
	f.next()

	f.clearPending()
	p := f.snapshot()
	if p.QueueSize != 0 || len(p.InProgress) != 0 {
		t.Fatalf("clearPending left work behind: %+v", p)
	}
}

func TestFrontierSnapshotCounts(t *testing.T) {
	t.Parallel()

	f := newFrontier(1, 0)
	f.enqueue(entry{url: "https://a.test/1", target: 0})
	f.enqueue(entry{url: "https://a.test/2", target: 0})
	f.enqueue(entry{url: "https://a.test/3", target: 0})

	e, _ := f.next()
	f.completePersisted(e.url, 0)
	e, _ = f.next()
	f.fail(e.url, "boom")

	p := f.snapshot()
	if p.PagesFound != 3 || p.PagesProcessed != 1 || p.PagesFailed != 1 || p.QueueSize != 1 {
		t.Fatalf("unexpected snapshot: %+v", p)
	}
}
