// Package canon normalizes URLs into the canonical form used as the
// frontier identity key and decides scope membership against crawl targets.
package canon

import (
	"net/url"
	"strings"
)

// MaxURLLength caps accepted input. Anything longer is almost certainly
// page content mistaken for a URL, not a real link.
const MaxURLLength = 2000

// Canonicalize returns the canonical form of raw and true, or ("", false)
// when the input is malformed, oversized, or not an http(s) URL. Two URLs
// identify the same frontier entry iff their canonical forms are equal.
//
// Canonical form: https scheme, lowercased host with "www." and default
// ports stripped, trailing slash removed except at the root, fragment
// removed, query re-encoded in sorted key order.
func Canonicalize(raw string) (string, bool) {
	return canonicalize(raw, false)
}

// CanonicalizeDropQuery behaves like Canonicalize but also removes the
// query string, for jobs that treat ?page=2 style variants as one page.
func CanonicalizeDropQuery(raw string) (string, bool) {
	return canonicalize(raw, true)
}

func canonicalize(raw string, dropQuery bool) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxURLLength {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https", "":
	default:
		return "", false
	}
	u.Scheme = "https"

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimSuffix(host, ":80")
	if host == "" {
		return "", false
	}
	u.Host = host

	if u.Path == "" {
		u.Path = "/"
	}
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	u.Fragment = ""
	u.User = nil
	u.ForceQuery = false
	if dropQuery {
		u.RawQuery = ""
	} else if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	return u.String(), true
}

// UnderBasePath reports whether rawURL falls under base. Both are
// canonicalized first; a mismatched host always fails. With strict set,
// the URL path must equal the base path or continue it after a "/"
// boundary, so /api matches /api/users but not /api-docs. Without strict
// a plain path prefix suffices. A base path of "/" matches everything on
// that host.
func UnderBasePath(rawURL, base string, strict bool) bool {
	cu, ok := Canonicalize(rawURL)
	if !ok {
		return false
	}
	cb, ok := Canonicalize(base)
	if !ok {
		return false
	}

	pu, err := url.Parse(cu)
	if err != nil {
		return false
	}
	pb, err := url.Parse(cb)
	if err != nil {
		return false
	}
	if pu.Host != pb.Host {
		return false
	}

	basePath := pb.Path
	if basePath == "/" {
		return true
	}
	if strict {
		return pu.Path == basePath || strings.HasPrefix(pu.Path, basePath+"/")
	}
	return strings.HasPrefix(pu.Path, basePath)
}

// Internal reports whether rawURL is in scope for any of the targets.
func Internal(rawURL string, targets []string, strict bool) bool {
	for _, target := range targets {
		if UnderBasePath(rawURL, target, strict) {
			return true
		}
	}
	return false
}

// Host returns the lowercased host of a canonical URL, or "" when the
// input does not parse. Used for per-host labels on metrics and events.
func Host(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
