package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrPoolClosed indicates acquire was called after teardown.
var ErrPoolClosed = errors.New("renderer pool torn down")

const livenessPingTimeout = 750 * time.Millisecond

// session is one pooled browser tab. A session is exclusively held by one
// worker while inUse and is returned to the pool after each fetch so the
// expensive attach/instrumentation step is amortized across fetches.
type session struct {
	id       int
	ctx      context.Context
	cancel   context.CancelFunc
	inUse    bool
	isolated bool
	// pending counts network requests in flight, maintained by the CDP
	// listener installed at creation.
	pending atomic.Int64
}

func (s *session) resetPending() {
	s.pending.Store(0)
}

// pool multiplexes many logical fetches over a small number of long-lived
// tab sessions. Sessions are created lazily on exhaustion and destroyed
// only by teardownAll.
type pool struct {
	mu         sync.Mutex
	browserCtx context.Context
	sessions   []*session
	nextID     int
	// isolatedID is the incognito-equivalent browser context, created on
	// first isolated acquire and disposed at teardown.
	isolatedID cdp.BrowserContextID
	tornDown   bool
	logger     *zap.Logger
}

func newPool(browserCtx context.Context, logger *zap.Logger) *pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pool{browserCtx: browserCtx, logger: logger}
}

// acquire hands out a free, still-alive session, pruning and replacing
// dead ones transparently. When every session is busy a new one is
// created; workers are bounded upstream, so the pool never grows past
// the worker count.
func (p *pool) acquire(ctx context.Context, isolated bool) (*session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquire session: %w", err)
		}

		s, err := p.claimFree(isolated)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return p.create(ctx, isolated)
		}
		if p.alive(s) {
			return s, nil
		}
		p.prune(s)
	}
}

// release returns a session to the pool. It never destroys: teardownAll
// owns destruction.
func (p *pool) release(s *session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s.inUse = false
}

// teardownAll destroys every session plus the isolated browsing context.
// Idempotent; called exactly once per job at completion or cancellation.
func (p *pool) teardownAll(ctx context.Context) {
	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		return
	}
	p.tornDown = true
	sessions := p.sessions
	p.sessions = nil
	isolatedID := p.isolatedID
	p.isolatedID = ""
	p.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	if isolatedID != "" {
		disposeCtx, cancel := context.WithTimeout(p.browserCtx, 5*time.Second)
		err := chromedp.Run(disposeCtx, chromedp.ActionFunc(func(cctx context.Context) error {
			return target.DisposeBrowserContext(isolatedID).Do(cctx)
		}))
		cancel()
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("dispose isolated browser context failed", zap.Error(err))
		}
	}
}

func (p *pool) claimFree(isolated bool) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tornDown {
		return nil, ErrPoolClosed
	}
	for _, s := range p.sessions {
		if !s.inUse && s.isolated == isolated {
			s.inUse = true
			return s, nil
		}
	}
	return nil, nil
}

// alive probes the tab with a trivial evaluation. Dead tabs (crashed
// renderer, closed target) fail fast and get pruned.
func (p *pool) alive(s *session) bool {
	if s.ctx.Err() != nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(s.ctx, livenessPingTimeout)
	defer cancel()
	var one int
	if err := chromedp.Run(pingCtx, chromedp.Evaluate(`1`, &one)); err != nil {
		p.logger.Debug("session liveness ping failed", zap.Int("session", s.id), zap.Error(err))
		return false
	}
	return true
}

func (p *pool) prune(s *session) {
	s.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.sessions {
		if existing == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			break
		}
	}
}

// create opens a new tab (optionally inside the isolated browser
// context) and applies the one-time instrumentation: network tracking,
// focus emulation so background tabs are not throttled, and the mutation
// probe that re-arms on every navigation.
func (p *pool) create(ctx context.Context, isolated bool) (*session, error) {
	var (
		tabCtx    context.Context
		tabCancel context.CancelFunc
	)
	if isolated {
		tid, err := p.isolatedTarget(ctx)
		if err != nil {
			return nil, err
		}
		tabCtx, tabCancel = chromedp.NewContext(p.browserCtx, chromedp.WithTargetID(tid))
	} else {
		tabCtx, tabCancel = chromedp.NewContext(p.browserCtx)
	}

	s := &session{ctx: tabCtx, cancel: tabCancel, isolated: isolated}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			s.pending.Add(1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			s.pending.Add(-1)
		}
	})

	if err := p.instrument(ctx, tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("instrument session: %w", err)
	}

	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		tabCancel()
		return nil, ErrPoolClosed
	}
	p.nextID++
	s.id = p.nextID
	s.inUse = true
	p.sessions = append(p.sessions, s)
	size := len(p.sessions)
	p.mu.Unlock()

	p.logger.Debug("created renderer session",
		zap.Int("session", s.id), zap.Bool("isolated", isolated), zap.Int("pool_size", size))
	return s, nil
}

// instrument applies the per-session setup. It runs once per session;
// reuse skips it because sessions keep their listeners and injected
// scripts for their whole life. The CDP calls target the tab but stay
// bounded by the caller's acquire deadline, so a wedged browser cannot
// stall session creation past the per-fetch timeout.
func (p *pool) instrument(ctx, tabCtx context.Context) error {
	instrCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(instrCtx,
		network.Enable(),
		emulation.SetFocusEmulationEnabled(true),
		chromedp.ActionFunc(func(cctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(mutationProbeJS).Do(cctx)
			return err
		}),
	)
}

// isolatedTarget lazily creates the shared isolated browser context and
// opens a blank target inside it.
func (p *pool) isolatedTarget(ctx context.Context) (target.ID, error) {
	p.mu.Lock()
	isolatedID := p.isolatedID
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(p.browserCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var tid target.ID
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(cctx context.Context) error {
		var err error
		if isolatedID == "" {
			isolatedID, err = target.CreateBrowserContext().Do(cctx)
			if err != nil {
				return fmt.Errorf("create browser context: %w", err)
			}
			p.mu.Lock()
			p.isolatedID = isolatedID
			p.mu.Unlock()
		}
		tid, err = target.CreateTarget("about:blank").
			WithBrowserContextID(isolatedID).
			Do(cctx)
		if err != nil {
			return fmt.Errorf("create isolated target: %w", err)
		}
		return nil
	}))
	if err != nil {
		return "", err
	}
	return tid, nil
}
