// Package noop contains renderers for builds and tests where a real
// browser is not available.
package noop

import (
	"context"
	"errors"
	"sync"

	"github.com/pagesift/pagesift/internal/crawl"
)

// Renderer implements crawl.Renderer but always returns an error to
// indicate that headless rendering is not available in the current build.
type Renderer struct{}

// New creates a new no-op renderer.
func New() *Renderer {
	return &Renderer{}
}

// Render returns an error since this is a stub implementation.
func (Renderer) Render(_ context.Context, _ crawl.RenderRequest) (crawl.RenderResult, error) {
	return crawl.RenderResult{}, errors.New("headless renderer not configured")
}

// Teardown is a no-op.
func (Renderer) Teardown(context.Context) error { return nil }

// Scripted serves canned results keyed by URL. It stands in for the
// headless renderer in orchestrator tests.
type Scripted struct {
	mu       sync.Mutex
	pages    map[string]crawl.RenderResult
	rendered []string
	tornDown bool
}

// NewScripted builds a Scripted renderer over the given pages.
func NewScripted(pages map[string]crawl.RenderResult) *Scripted {
	if pages == nil {
		pages = map[string]crawl.RenderResult{}
	}
	return &Scripted{pages: pages}
}

// ErrNoScript is returned when a URL has no canned result.
var ErrNoScript = errors.New("no scripted result for url")

// Render returns the canned result for the URL and records the call.
func (s *Scripted) Render(ctx context.Context, req crawl.RenderRequest) (crawl.RenderResult, error) {
	if err := ctx.Err(); err != nil {
		return crawl.RenderResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return crawl.RenderResult{}, errors.New("renderer torn down")
	}
	s.rendered = append(s.rendered, req.URL)
	result, ok := s.pages[req.URL]
	if !ok {
		return crawl.RenderResult{}, ErrNoScript
	}
	return result, nil
}

// Teardown marks the renderer unusable. Idempotent.
func (s *Scripted) Teardown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tornDown = true
	return nil
}

// Rendered returns the URLs rendered so far, in call order.
func (s *Scripted) Rendered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.rendered))
	copy(out, s.rendered)
	return out
}

// TornDown reports whether Teardown has been called.
func (s *Scripted) TornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tornDown
}
