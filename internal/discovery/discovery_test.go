package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesift/pagesift/internal/canon"
)

func mustCanon(t *testing.T, raw string) string {
	t.Helper()
	c, ok := canon.Canonicalize(raw)
	require.True(t, ok, "canonicalize %q", raw)
	return c
}

func TestDiscoverSeedURLsFollowsRobotsAndIndex(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nAllow: /\nSitemap: %s/custom-sitemap.xml\n", srv.URL)
	})
	mux.HandleFunc("/custom-sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/pages-sitemap.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/pages-sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/docs/intro</loc></url>
  <url><loc>%s/docs/setup</loc></url>
  <url><loc>https://elsewhere.test/out-of-scope</loc></url>
</urlset>`, srv.URL, srv.URL)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d := New(Config{Timeout: 5 * time.Second})
	seeds, err := d.DiscoverSeedURLs(context.Background(), []string{srv.URL + "/docs"}, false)
	require.NoError(t, err)

	assert.Contains(t, seeds, mustCanon(t, srv.URL+"/docs"))
	assert.Contains(t, seeds, mustCanon(t, srv.URL+"/docs/intro"))
	assert.Contains(t, seeds, mustCanon(t, srv.URL+"/docs/setup"))
	for _, s := range seeds {
		assert.NotContains(t, s, "elsewhere.test")
	}
}

func TestDiscoverSeedURLsDegradesToTargets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := New(Config{Timeout: 2 * time.Second})
	target := srv.URL + "/docs"
	seeds, err := d.DiscoverSeedURLs(context.Background(), []string{target}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{mustCanon(t, target)}, seeds)
}

func TestDiscoverSeedURLsCapsResults(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
		for i := 0; i < 50; i++ {
			fmt.Fprintf(w, "<url><loc>%s/page-%d</loc></url>", srv.URL, i)
		}
		fmt.Fprint(w, `</urlset>`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d := New(Config{Timeout: 2 * time.Second, MaxSeeds: 5})
	seeds, err := d.DiscoverSeedURLs(context.Background(), []string{srv.URL}, false)
	require.NoError(t, err)
	assert.Len(t, seeds, 5)
}

func TestDiscoverSeedURLsStrictScope(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/docs/guide</loc></url>
  <url><loc>%s/docserver/other</loc></url>
</urlset>`, srv.URL, srv.URL)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d := New(Config{Timeout: 2 * time.Second})
	seeds, err := d.DiscoverSeedURLs(context.Background(), []string{srv.URL + "/docs"}, true)
	require.NoError(t, err)

	assert.Contains(t, seeds, mustCanon(t, srv.URL+"/docs/guide"))
	assert.NotContains(t, seeds, mustCanon(t, srv.URL+"/docserver/other"))
}

func TestDiscoverSeedURLsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(Config{Timeout: time.Second})
	_, err := d.DiscoverSeedURLs(ctx, []string{"https://example.test/"}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRobotsSitemaps(t *testing.T) {
	t.Parallel()

	body := []byte("User-agent: *\nDisallow: /private\n" +
		"Sitemap: https://a.test/sitemap.xml\n" +
		"sitemap:   https://a.test/news.xml  \n" +
		"Sitemap:\n" +
		"# a comment line\n")
	got := robotsSitemaps(body)
	assert.Equal(t, []string{
		"https://a.test/sitemap.xml",
		"https://a.test/news.xml",
	}, got)
}
