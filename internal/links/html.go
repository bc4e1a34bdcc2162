package links

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FromHTML pulls anchor hrefs out of raw HTML. It backs the cache-hit
// path, where links must be re-derived from stored markup without a
// fresh render. Hrefs are returned as found; Extract resolves and
// filters them.
func FromHTML(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse cached html: %w", err)
	}

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		hrefs = append(hrefs, href)
	})
	return hrefs, nil
}
