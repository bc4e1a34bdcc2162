// Package links turns a rendered page's outgoing links into frontier
// candidates: filtered, canonicalized, and tagged with a crawl depth.
package links

import (
	"net/url"
	"path"
	"strings"

	"github.com/pagesift/pagesift/internal/canon"
)

// Policy carries the job-wide settings that govern link acceptance.
type Policy struct {
	Targets        []string
	Strict         bool
	FollowExternal bool
	MaxHops        int
	DropQuery      bool
}

// Entry is one accepted link: a canonical URL plus its assigned depth.
// Depth 0 means in-scope; 1..MaxHops counts external hops.
type Entry struct {
	URL   string
	Depth int
}

// Non-content file extensions that are never worth rendering.
var skipExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".ppt": {}, ".pptx": {}, ".odt": {}, ".ods": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {}, ".7z": {}, ".rar": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {},
	".ico": {}, ".bmp": {}, ".tiff": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".webm": {},
	".wav": {}, ".ogg": {}, ".flac": {},
	".exe": {}, ".dmg": {}, ".pkg": {}, ".msi": {}, ".bin": {}, ".iso": {},
	".css": {}, ".js": {}, ".map": {}, ".wasm": {}, ".woff": {}, ".woff2": {},
	".ttf": {}, ".eot": {},
}

// Extract filters, resolves, and canonicalizes raw links discovered on a
// page at srcDepth. Internal links always re-enter at depth 0 so that
// in-scope pages reached through an external detour are never penalized.
// External links are kept only while FollowExternal allows another hop.
// Order is preserved and the first occurrence of a canonical URL wins.
func Extract(raw []string, pageURL string, srcDepth int, policy Policy) []Entry {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]Entry, 0, len(raw))

	for _, link := range raw {
		link = strings.TrimSpace(link)
		if link == "" || len(link) > canon.MaxURLLength {
			continue
		}
		if rejectedScheme(link) {
			continue
		}
		if base != nil {
			ref, parseErr := url.Parse(link)
			if parseErr != nil {
				continue
			}
			link = base.ResolveReference(ref).String()
		}
		if skipExtension(link) {
			continue
		}

		var (
			cu string
			ok bool
		)
		if policy.DropQuery {
			cu, ok = canon.CanonicalizeDropQuery(link)
		} else {
			cu, ok = canon.Canonicalize(link)
		}
		if !ok {
			continue
		}
		if _, dup := seen[cu]; dup {
			continue
		}

		depth, accept := classify(cu, srcDepth, policy)
		if !accept {
			continue
		}
		seen[cu] = struct{}{}
		out = append(out, Entry{URL: cu, Depth: depth})
	}
	return out
}

func classify(canonical string, srcDepth int, policy Policy) (int, bool) {
	if canon.Internal(canonical, policy.Targets, policy.Strict) {
		return 0, true
	}
	if !policy.FollowExternal {
		return 0, false
	}
	next := srcDepth + 1
	if next > policy.MaxHops {
		return 0, false
	}
	return next, true
}

func rejectedScheme(link string) bool {
	idx := strings.Index(link, ":")
	if idx < 0 {
		return false // relative link
	}
	scheme := strings.ToLower(link[:idx])
	switch scheme {
	case "http", "https":
		return false
	default:
		// "example.com:8080/x" style links have no real scheme.
		return !strings.ContainsAny(scheme, "/?#")
	}
}

func skipExtension(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return true
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	_, skip := skipExtensions[ext]
	return skip
}
