// Package readiness decides when a rendered page is safe to extract
// from. It combines network-idle, DOM-mutation-stability, and
// content-length-plateau signals into a single decision with a hard
// deadline: detection degrades to "extract now" rather than blocking.
package readiness

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Signal timing defaults. Each signal is independently timed and capped.
const (
	NetworkIdleWait      = 500 * time.Millisecond
	DomStableWait        = 1 * time.Second
	ContentCheckInterval = 200 * time.Millisecond
	ContentPlateauWait   = 1 * time.Second

	// SignalCap bounds any single signal regardless of the fetch budget.
	SignalCap = 10 * time.Second

	pollInterval = 100 * time.Millisecond
)

// Probe exposes the in-page signals the detector samples. Implementations
// run inside a rendering session; errors are treated as "signal
// unavailable", never as fetch failures.
type Probe interface {
	// OutstandingRequests counts network requests started but not finished.
	OutstandingRequests(ctx context.Context) (int, error)
	// MutationEpoch returns a counter that advances with every DOM mutation.
	MutationEpoch(ctx context.Context) (int64, error)
	// ContentLength measures the visible text length of the main content
	// region.
	ContentLength(ctx context.Context) (int, error)
	// SelectorsPresent reports whether every selector matches an element.
	SelectorsPresent(ctx context.Context, selectors []string) (bool, error)
}

// Report records which signals settled before extraction was allowed.
type Report struct {
	NetworkIdle    bool
	DomStable      bool
	ContentPlateau bool
	Degraded       bool
	Elapsed        time.Duration
}

// Config tunes the detector. Zero values fall back to the package
// constants above.
type Config struct {
	NetworkIdleWait      time.Duration
	DomStableWait        time.Duration
	ContentCheckInterval time.Duration
	ContentPlateauWait   time.Duration
	SignalCap            time.Duration
	// MinContentLength short-circuits the plateau once the content region
	// is at least this long and stable across one sample.
	MinContentLength int
}

func (c Config) withDefaults() Config {
	if c.NetworkIdleWait <= 0 {
		c.NetworkIdleWait = NetworkIdleWait
	}
	if c.DomStableWait <= 0 {
		c.DomStableWait = DomStableWait
	}
	if c.ContentCheckInterval <= 0 {
		c.ContentCheckInterval = ContentCheckInterval
	}
	if c.ContentPlateauWait <= 0 {
		c.ContentPlateauWait = ContentPlateauWait
	}
	if c.SignalCap <= 0 {
		c.SignalCap = SignalCap
	}
	return c
}

// Detector runs the readiness protocol against a Probe.
type Detector struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Detector. A nil logger is replaced with a no-op.
func New(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg.withDefaults(), logger: logger}
}

// Await blocks until the page is judged safe to extract from or ctx's
// deadline passes. Network-idle and DOM-stability run concurrently, each
// capped at min(remaining, SignalCap); the content plateau then runs on
// what is left of the budget. Await never returns an error: every signal
// failure or timeout degrades to extract-now. The caller's ctx deadline
// is the fetch's hard timeout.
func (d *Detector) Await(ctx context.Context, probe Probe) Report {
	start := time.Now()
	report := Report{}

	sigCtx, cancel := d.signalContext(ctx)
	idleCh := make(chan bool, 1)
	stableCh := make(chan bool, 1)
	go func() { idleCh <- d.awaitNetworkIdle(sigCtx, probe) }()
	go func() { stableCh <- d.awaitDomStable(sigCtx, probe) }()
	report.NetworkIdle = <-idleCh
	report.DomStable = <-stableCh
	cancel()

	plateauCtx, cancel := d.signalContext(ctx)
	report.ContentPlateau = d.awaitContentPlateau(plateauCtx, probe)
	cancel()

	report.Degraded = !(report.NetworkIdle && report.DomStable && report.ContentPlateau)
	report.Elapsed = time.Since(start)
	if report.Degraded {
		d.logger.Debug("readiness degraded to extract-now",
			zap.Bool("network_idle", report.NetworkIdle),
			zap.Bool("dom_stable", report.DomStable),
			zap.Bool("content_plateau", report.ContentPlateau),
			zap.Duration("elapsed", report.Elapsed),
		)
	}
	return report
}

// AwaitSelectors waits for every selector to appear, within its own
// timeout. Failure is non-fatal; the result is informational only.
func (d *Detector) AwaitSelectors(
	ctx context.Context,
	probe Probe,
	selectors []string,
	timeout time.Duration,
) bool {
	if len(selectors) == 0 {
		return true
	}
	if timeout <= 0 {
		timeout = d.cfg.SignalCap
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		present, err := probe.SelectorsPresent(waitCtx, selectors)
		if err == nil && present {
			return true
		}
		if !sleepCtx(waitCtx, pollInterval) {
			return false
		}
	}
}

// signalContext caps a signal at min(remaining budget, SignalCap).
func (d *Detector) signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.cfg.SignalCap)
}

// awaitNetworkIdle polls the outstanding request count until it holds
// unchanged for NetworkIdleWait. A hung request therefore still counts
// as idle once nothing new starts or finishes.
func (d *Detector) awaitNetworkIdle(ctx context.Context, probe Probe) bool {
	last := -1
	lastChange := time.Now()
	for {
		count, err := probe.OutstandingRequests(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			count = last // unreadable sample, don't reset the window
		}
		if count != last {
			last = count
			lastChange = time.Now()
		}
		if time.Since(lastChange) >= d.cfg.NetworkIdleWait {
			return true
		}
		if !sleepCtx(ctx, pollInterval) {
			return false
		}
	}
}

// awaitDomStable waits for a window of DomStableWait with no mutations.
func (d *Detector) awaitDomStable(ctx context.Context, probe Probe) bool {
	last := int64(-1)
	lastChange := time.Now()
	for {
		epoch, err := probe.MutationEpoch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			epoch = last
		}
		if epoch != last {
			last = epoch
			lastChange = time.Now()
		}
		if time.Since(lastChange) >= d.cfg.DomStableWait {
			return true
		}
		if !sleepCtx(ctx, pollInterval) {
			return false
		}
	}
}

// awaitContentPlateau samples the main-content text length every
// ContentCheckInterval until it is unchanged for ContentPlateauWait, or
// immediately once it reaches MinContentLength and holds for one sample.
func (d *Detector) awaitContentPlateau(ctx context.Context, probe Probe) bool {
	last := -1
	lastChange := time.Now()
	for {
		length, err := probe.ContentLength(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			length = last
		}
		stable := length == last
		if !stable {
			last = length
			lastChange = time.Now()
		}
		if stable && d.cfg.MinContentLength > 0 && length >= d.cfg.MinContentLength {
			return true
		}
		if stable && time.Since(lastChange) >= d.cfg.ContentPlateauWait {
			return true
		}
		if !sleepCtx(ctx, d.cfg.ContentCheckInterval) {
			return false
		}
	}
}

// sleepCtx sleeps for dur, returning false when ctx ends first.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
