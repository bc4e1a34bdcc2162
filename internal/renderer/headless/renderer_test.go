package headless

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/pagesift/pagesift/internal/crawl"
)

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.DefaultTimeout != crawl.DefaultFetchTimeout {
		t.Fatalf("expected default timeout, got %v", cfg.DefaultTimeout)
	}
	cfg = Config{DefaultTimeout: time.Second}.withDefaults()
	if cfg.DefaultTimeout != time.Second {
		t.Fatalf("expected override to be kept, got %v", cfg.DefaultTimeout)
	}
}

func TestSelectorsPresentJS(t *testing.T) {
	t.Parallel()

	js := selectorsPresentJS([]string{".price", `div[data-id="x"]`})
	if !strings.Contains(js, `".price"`) {
		t.Fatalf("selector not quoted into expression: %s", js)
	}
	if !strings.Contains(js, `"div[data-id=\"x\"]"`) {
		t.Fatalf("selector with quotes not escaped: %s", js)
	}
	if !strings.Contains(js, ".every(") {
		t.Fatalf("expression must require every selector: %s", js)
	}
}

func TestPoolClaimFreeSkipsBusyAndMismatched(t *testing.T) {
	t.Parallel()

	p := newPool(context.Background(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busy := &session{id: 1, ctx: ctx, cancel: func() {}, inUse: true}
	isolated := &session{id: 2, ctx: ctx, cancel: func() {}, isolated: true}
	free := &session{id: 3, ctx: ctx, cancel: func() {}}
	p.sessions = []*session{busy, isolated, free}

	got, err := p.claimFree(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != free {
		t.Fatalf("expected free non-isolated session, got %+v", got)
	}
	if !got.inUse {
		t.Fatal("claimed session must be marked in use")
	}

	got, err = p.claimFree(false)
	if err != nil || got != nil {
		t.Fatalf("expected pool exhaustion, got session=%v err=%v", got, err)
	}
}

func TestPoolReleaseMakesSessionClaimable(t *testing.T) {
	t.Parallel()

	p := newPool(context.Background(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &session{id: 1, ctx: ctx, cancel: func() {}, inUse: true}
	p.sessions = []*session{s}

	p.release(s)
	got, err := p.claimFree(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != s {
		t.Fatal("released session should be claimable again")
	}
}

func TestPoolAliveDetectsCanceledSession(t *testing.T) {
	t.Parallel()

	p := newPool(context.Background(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &session{id: 1, ctx: ctx, cancel: func() {}}
	if p.alive(s) {
		t.Fatal("canceled session reported alive")
	}
}

func TestPoolTeardownAllIsIdempotent(t *testing.T) {
	t.Parallel()

	p := newPool(context.Background(), nil)
	canceled := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.sessions = []*session{{id: 1, ctx: ctx, cancel: func() { canceled++ }}}

	p.teardownAll(context.Background())
	p.teardownAll(context.Background())
	if canceled != 1 {
		t.Fatalf("expected one cancel, got %d", canceled)
	}
	if _, err := p.claimFree(false); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed after teardown, got %v", err)
	}
}

func TestInstrumentBoundedByAcquireContext(t *testing.T) {
	t.Parallel()

	p := newPool(context.Background(), nil)
	acquire, cancel := context.WithCancel(context.Background())
	cancel()

	// The tab context is real but nothing is listening behind it; only
	// the canceled acquire context can unblock the CDP calls.
	tabCtx, tabCancel := chromedp.NewContext(context.Background())
	defer tabCancel()

	done := make(chan error, 1)
	go func() { done <- p.instrument(acquire, tabCtx) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected instrument to fail under a canceled acquire context")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("instrument ignored the acquire context")
	}
}

func TestForwardCancelPropagates(t *testing.T) {
	t.Parallel()

	src, cancelSrc := context.WithCancel(context.Background())
	dst, cancelDst := context.WithCancel(context.Background())
	stop := forwardCancel(src, cancelDst)
	defer stop()

	cancelSrc()
	select {
	case <-dst.Done():
	case <-time.After(time.Second):
		t.Fatal("cancellation was not forwarded")
	}
}

func TestForwardCancelStopDetaches(t *testing.T) {
	t.Parallel()

	src, cancelSrc := context.WithCancel(context.Background())
	dst, cancelDst := context.WithCancel(context.Background())
	defer cancelDst()
	stop := forwardCancel(src, cancelDst)
	stop()
	cancelSrc()

	select {
	case <-dst.Done():
		t.Fatal("forwarding survived stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitHostBudgetSpacesSameHost(t *testing.T) {
	t.Parallel()

	r := &Renderer{cfg: Config{RequestDelay: 40 * time.Millisecond}}
	ctx := context.Background()

	start := time.Now()
	if err := r.waitHostBudget(ctx, "https://example.com/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.waitHostBudget(ctx, "https://EXAMPLE.com/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("second fetch to the same host not delayed, elapsed %v", elapsed)
	}
}

func TestWaitHostBudgetDistinctHostsIndependent(t *testing.T) {
	t.Parallel()

	r := &Renderer{cfg: Config{RequestDelay: time.Minute}}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := r.waitHostBudget(ctx, "https://a.example.com/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.waitHostBudget(ctx, "https://b.example.com/"); err != nil {
		t.Fatalf("distinct host should not wait: %v", err)
	}
}
