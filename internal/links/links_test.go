package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docsPolicy(followExternal bool, maxHops int) Policy {
	return Policy{
		Targets:        []string{"https://docs.example.com/api"},
		Strict:         true,
		FollowExternal: followExternal,
		MaxHops:        maxHops,
	}
}

func TestExtractFiltersAndTagsDepth(t *testing.T) {
	t.Parallel()

	raw := []string{
		"/api/intro",
		"https://docs.example.com/api/intro#frag", // same canonical as above
		"/api-blog/post", // excluded by strict scope, external not followed
		"mailto:team@example.com",
		"/assets/manual.pdf",
		"ftp://example.com/file",
	}
	got := Extract(raw, "https://docs.example.com/api", 0, docsPolicy(false, 0))

	require.Len(t, got, 1)
	assert.Equal(t, "https://docs.example.com/api/intro", got[0].URL)
	assert.Equal(t, 0, got[0].Depth)
}

func TestExtractExternalHops(t *testing.T) {
	t.Parallel()

	raw := []string{"https://other.example.org/page"}

	// Not followed when external traversal is off.
	assert.Empty(t, Extract(raw, "https://docs.example.com/api", 0, docsPolicy(false, 0)))

	// One hop out from an in-scope page.
	got := Extract(raw, "https://docs.example.com/api", 0, docsPolicy(true, 1))
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Depth)

	// A second hop exceeds maxHops=1 and is dropped.
	assert.Empty(t, Extract(raw, "https://elsewhere.example.net/p", 1, docsPolicy(true, 1)))
}

func TestExtractInternalAlwaysDepthZero(t *testing.T) {
	t.Parallel()

	// An in-scope link found on an external page re-enters at depth 0.
	got := Extract(
		[]string{"https://docs.example.com/api/reference"},
		"https://other.example.org/page", 1, docsPolicy(true, 1),
	)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Depth)
}

func TestExtractResolvesRelative(t *testing.T) {
	t.Parallel()

	got := Extract(
		[]string{"guide", "../api/other", "?page=2"},
		"https://docs.example.com/api/intro", 0, docsPolicy(false, 0),
	)
	require.Len(t, got, 3)
	assert.Equal(t, "https://docs.example.com/api/guide", got[0].URL)
	assert.Equal(t, "https://docs.example.com/api/other", got[1].URL)
	assert.Equal(t, "https://docs.example.com/api/intro?page=2", got[2].URL)
}

func TestExtractPreservesOrderFirstWins(t *testing.T) {
	t.Parallel()

	got := Extract(
		[]string{"/api/b", "/api/a", "/api/b?"},
		"https://docs.example.com/api", 0, docsPolicy(false, 0),
	)
	require.Len(t, got, 2)
	assert.Equal(t, "https://docs.example.com/api/b", got[0].URL)
	assert.Equal(t, "https://docs.example.com/api/a", got[1].URL)
}

func TestFromHTML(t *testing.T) {
	t.Parallel()

	html := `<html><body>
		<a href="/api/one">one</a>
		<a href="#top">anchor-only</a>
		<a href=" /api/two ">two</a>
		<a>no href</a>
	</body></html>`

	hrefs, err := FromHTML(html)
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/one", "/api/two"}, hrefs)
}
