// Package discovery expands crawl targets into seed URLs by reading
// the targets' robots.txt and sitemap files. Discovery is best-effort:
// every failure degrades to crawling from the targets alone.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/canon"
	"github.com/pagesift/pagesift/internal/crawl"
)

// maxSitemaps bounds how many sitemap documents one discovery run will
// fetch, including children of a sitemap index.
const maxSitemaps = 20

// Config controls the sitemap discoverer.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxSeeds caps the returned slice, targets included.
	MaxSeeds int
	Logger   *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "pagesift/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxSeeds <= 0 {
		c.MaxSeeds = 500
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Discoverer fetches sitemaps with a colly collector and parses them
// with xmlquery.
type Discoverer struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

var _ crawl.SeedDiscoverer = (*Discoverer)(nil)

// New builds a Discoverer.
func New(cfg Config) *Discoverer {
	cfg = cfg.withDefaults()
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true // robots.txt is itself one of the fetches
	c.UserAgent = cfg.UserAgent
	c.SetRequestTimeout(cfg.Timeout)
	return &Discoverer{
		cfg:           cfg,
		logger:        cfg.Logger.Named("discovery"),
		baseCollector: c,
	}
}

// DiscoverSeedURLs returns the targets plus every in-scope URL found in
// their sitemaps, deduplicated on canonical form and capped at
// MaxSeeds. strict applies the same base-path matching the crawl uses.
// Partial failures are logged and skipped; only context cancellation is
// returned as an error.
func (d *Discoverer) DiscoverSeedURLs(ctx context.Context, targets []string, strict bool) ([]string, error) {
	seen := make(map[string]struct{})
	var seeds []string
	add := func(raw string) bool {
		canonical, ok := canon.Canonicalize(raw)
		if !ok {
			return false
		}
		if _, dup := seen[canonical]; dup {
			return false
		}
		seen[canonical] = struct{}{}
		seeds = append(seeds, canonical)
		return true
	}

	for _, t := range targets {
		add(t)
	}

	queue := d.sitemapCandidates(ctx, targets)
	visited := make(map[string]struct{})
	fetched := 0
	for len(queue) > 0 && fetched < maxSitemaps {
		if err := ctx.Err(); err != nil {
			return seeds, fmt.Errorf("seed discovery canceled: %w", err)
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, dup := visited[smURL]; dup {
			continue
		}
		visited[smURL] = struct{}{}
		fetched++

		body, err := d.fetch(ctx, smURL)
		if err != nil {
			d.logger.Debug("sitemap fetch failed", zap.String("url", smURL), zap.Error(err))
			continue
		}
		children, locs, err := parseSitemap(body)
		if err != nil {
			d.logger.Debug("sitemap parse failed", zap.String("url", smURL), zap.Error(err))
			continue
		}
		queue = append(queue, children...)
		for _, loc := range locs {
			if len(seeds) >= d.cfg.MaxSeeds {
				d.logger.Info("seed cap reached", zap.Int("max_seeds", d.cfg.MaxSeeds))
				return seeds, nil
			}
			if !canon.Internal(loc, targets, strict) {
				continue
			}
			add(loc)
		}
	}
	return seeds, nil
}

// sitemapCandidates returns the sitemap URLs to try for each distinct
// target host: whatever robots.txt advertises, then the two
// conventional locations. Candidate URLs keep the target's original
// scheme so discovery works against plain-http hosts.
func (d *Discoverer) sitemapCandidates(ctx context.Context, targets []string) []string {
	var out []string
	hosts := make(map[string]struct{})
	for _, t := range targets {
		u, err := url.Parse(t)
		if err != nil || u.Host == "" {
			continue
		}
		root := u.Scheme + "://" + u.Host
		if _, dup := hosts[root]; dup {
			continue
		}
		hosts[root] = struct{}{}

		if body, err := d.fetch(ctx, root+"/robots.txt"); err == nil {
			out = append(out, robotsSitemaps(body)...)
		} else {
			d.logger.Debug("robots.txt fetch failed", zap.String("host", u.Host), zap.Error(err))
		}
		out = append(out, root+"/sitemap.xml", root+"/sitemap_index.xml")
	}
	return out
}

// fetch retrieves one URL through a cloned collector, honoring ctx the
// way the page fetcher does: the visit runs in a goroutine and loses
// the race against cancellation.
func (d *Discoverer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	collector := d.baseCollector.Clone()
	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("discovery fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("discovery visit %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("discovery response %s: %w", rawURL, fetchErr)
		}
		return body, nil
	}
}

// robotsSitemaps extracts the Sitemap: directive URLs from a robots.txt
// body. The directive is case-insensitive and host-wide, outside any
// User-agent group.
func robotsSitemaps(body []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < len("sitemap:") || !strings.EqualFold(line[:len("sitemap:")], "sitemap:") {
			continue
		}
		loc := strings.TrimSpace(line[len("sitemap:"):])
		if loc != "" {
			out = append(out, loc)
		}
	}
	return out
}

// parseSitemap reads one sitemap document and returns child sitemap
// URLs (for index files) and page URLs (for urlset files). The xpath
// queries match on local names, so the sitemap namespace needs no
// special handling.
func parseSitemap(body []byte) (children, locs []string, err error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse sitemap xml: %w", err)
	}
	for _, n := range xmlquery.Find(doc, "//sitemapindex/sitemap/loc") {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			children = append(children, loc)
		}
	}
	for _, n := range xmlquery.Find(doc, "//urlset/url/loc") {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			locs = append(locs, loc)
		}
	}
	return children, locs, nil
}
