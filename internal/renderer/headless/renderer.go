// Package headless renders pages through pooled headless-Chrome tabs via
// chromedp. Sessions are long-lived and instrumented once; the readiness
// detector decides when a rendered page is safe to extract from.
package headless

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagesift/pagesift/internal/crawl"
	"github.com/pagesift/pagesift/internal/readiness"
)

// Config controls the behavior of the headless renderer.
type Config struct {
	UserAgent string
	// RequestDelay spaces fetches against the same host; zero disables
	// host budgeting.
	RequestDelay time.Duration
	// DefaultTimeout bounds a fetch when the request carries none.
	DefaultTimeout time.Duration
	Readiness      readiness.Config
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = crawl.DefaultFetchTimeout
	}
	return c
}

// Renderer implements crawl.Renderer on top of a session pool. One
// Renderer serves one job; Teardown destroys the pool and the browser.
type Renderer struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	pool          *pool
	detector      *readiness.Detector
	// hostBudgets maps host -> *rate.Limiter for fixed inter-request
	// spacing per host.
	hostBudgets sync.Map
	logger      *zap.Logger

	teardownOnce sync.Once
}

var _ crawl.Renderer = (*Renderer)(nil)

// New launches a headless browser and returns a Renderer over it. The
// first tab is opened eagerly so allocation failures surface at
// construction rather than on the first fetch.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		// Background tabs must keep running timers and rendering;
		// otherwise pooled sessions stall mid-readiness.
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(warmCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch headless browser: %w", err)
	}

	return &Renderer{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		pool:          newPool(browserCtx, logger),
		detector:      readiness.New(cfg.Readiness, logger),
		logger:        logger,
	}, nil
}

// Render navigates a pooled session to the URL, waits for the page to be
// judged ready, and extracts title, text, links, and metadata. The
// request timeout covers the whole fetch: session acquisition,
// navigation, readiness, and extraction.
func (r *Renderer) Render(ctx context.Context, req crawl.RenderRequest) (crawl.RenderResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	fetchCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := r.waitHostBudget(fetchCtx, req.URL); err != nil {
		return crawl.RenderResult{}, fmt.Errorf("host budget wait: %w", err)
	}

	s, err := r.pool.acquire(fetchCtx, req.Isolated)
	if err != nil {
		return crawl.RenderResult{}, err
	}
	defer r.pool.release(s)

	// runCtx descends from the session's tab context so chromedp
	// resolves the pooled target, bounded by the fetch deadline.
	runCtx, runCancel := context.WithCancel(s.ctx)
	defer runCancel()
	stopRun := forwardCancel(fetchCtx, runCancel)
	defer stopRun()

	s.resetPending()
	start := time.Now()
	if err := chromedp.Run(runCtx, chromedp.Navigate(req.URL)); err != nil {
		return crawl.RenderResult{}, fmt.Errorf("navigate %s: %w", req.URL, err)
	}

	report := r.detector.Await(runCtx, s)
	if len(req.WaitSelectors) > 0 {
		remaining := time.Until(deadlineOrMax(fetchCtx))
		if !r.detector.AwaitSelectors(runCtx, s, req.WaitSelectors, remaining) {
			r.logger.Debug("wait selectors never appeared",
				zap.String("url", req.URL), zap.Strings("selectors", req.WaitSelectors))
		}
	}

	result, err := r.extract(runCtx, req)
	if err != nil {
		return crawl.RenderResult{}, fmt.Errorf("extract %s: %w", req.URL, err)
	}

	r.logger.Debug("rendered page",
		zap.String("url", req.URL),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("degraded", report.Degraded),
		zap.Int("links", len(result.Links)),
	)
	return result, nil
}

// Teardown destroys every session and the browser. Idempotent.
func (r *Renderer) Teardown(ctx context.Context) error {
	r.teardownOnce.Do(func() {
		r.pool.teardownAll(ctx)
		r.browserCancel()
		r.allocCancel()
	})
	return nil
}

func (r *Renderer) extract(ctx context.Context, req crawl.RenderRequest) (crawl.RenderResult, error) {
	var result crawl.RenderResult

	if req.LinksOnly {
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(anchorHrefsJS, &result.Links),
		); err != nil {
			return crawl.RenderResult{}, err
		}
		return result, nil
	}

	var description string
	if err := chromedp.Run(ctx,
		chromedp.Title(&result.Title),
		chromedp.OuterHTML("html", &result.HTML, chromedp.ByQuery),
		chromedp.Evaluate(bodyTextJS, &result.Text),
		chromedp.Evaluate(anchorHrefsJS, &result.Links),
		chromedp.Evaluate(metaDescriptionJS, &description),
	); err != nil {
		return crawl.RenderResult{}, err
	}
	if description != "" {
		result.Metadata = map[string]string{"description": description}
	}
	return result, nil
}

// waitHostBudget enforces the fixed inter-request delay per host.
func (r *Renderer) waitHostBudget(ctx context.Context, rawURL string) error {
	if r.cfg.RequestDelay <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil // unparseable URLs fail at navigation instead
	}
	host := strings.ToLower(u.Hostname())
	limiter, _ := r.hostBudgets.LoadOrStore(host,
		rate.NewLimiter(rate.Every(r.cfg.RequestDelay), 1))
	return limiter.(*rate.Limiter).Wait(ctx)
}

// forwardCancel propagates src's cancellation to cancel without tying
// child context lifetimes together. The returned stop func ends the
// forwarding goroutine.
func forwardCancel(src context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-src.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func deadlineOrMax(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(readiness.SignalCap)
}
