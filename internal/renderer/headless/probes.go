package headless

import (
	"context"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"
)

// mutationProbeJS is installed once per session via
// Page.addScriptToEvaluateOnNewDocument so it re-arms on every
// navigation. It keeps a monotonically increasing mutation counter the
// readiness detector samples.
const mutationProbeJS = `(() => {
	if (window.__pagesiftObserver) { return; }
	window.__pagesiftMutations = 0;
	const observer = new MutationObserver((records) => {
		window.__pagesiftMutations += records.length;
	});
	const attach = () => {
		if (document.documentElement) {
			observer.observe(document.documentElement, {
				childList: true,
				subtree: true,
				attributes: true,
				characterData: true,
			});
		}
	};
	if (document.documentElement) {
		attach();
	} else {
		window.addEventListener('DOMContentLoaded', attach, { once: true });
	}
	window.__pagesiftObserver = observer;
})();`

const mutationEpochJS = `window.__pagesiftMutations || 0`

// contentLengthJS measures the visible text length of the page's main
// content region, falling back to the body.
const contentLengthJS = `(() => {
	const main = document.querySelector('main, article, [role="main"], #content, .content')
		|| document.body;
	return main && main.innerText ? main.innerText.length : 0;
})()`

const bodyTextJS = `document.body && document.body.innerText ? document.body.innerText : ''`

const anchorHrefsJS = `Array.from(document.querySelectorAll('a[href]')).map((a) => a.href)`

const metaDescriptionJS = `(() => {
	const el = document.querySelector('meta[name="description"], meta[property="og:description"]');
	return el ? (el.getAttribute('content') || '') : '';
})()`

// selectorsPresentJS builds an expression checking that every selector
// matches at least one element.
func selectorsPresentJS(selectors []string) string {
	quoted := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		quoted = append(quoted, strconv.Quote(sel))
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString("].every((s) => { try { return document.querySelector(s) !== null; } catch (e) { return false; } })")
	return b.String()
}

// The session methods below satisfy readiness.Probe. The contexts they
// receive descend from the session's tab context, so chromedp.Run
// resolves the right target.

// OutstandingRequests reports network requests started but not finished,
// tracked by the CDP event listener attached at session creation.
func (s *session) OutstandingRequests(context.Context) (int, error) {
	return int(s.pending.Load()), nil
}

// MutationEpoch samples the injected mutation counter.
func (s *session) MutationEpoch(ctx context.Context) (int64, error) {
	var epoch int64
	if err := chromedp.Run(ctx, chromedp.Evaluate(mutationEpochJS, &epoch)); err != nil {
		return 0, err
	}
	return epoch, nil
}

// ContentLength samples the visible main-content text length.
func (s *session) ContentLength(ctx context.Context) (int, error) {
	var length int
	if err := chromedp.Run(ctx, chromedp.Evaluate(contentLengthJS, &length)); err != nil {
		return 0, err
	}
	return length, nil
}

// SelectorsPresent reports whether every selector matches.
func (s *session) SelectorsPresent(ctx context.Context, selectors []string) (bool, error) {
	if len(selectors) == 0 {
		return true, nil
	}
	var present bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(selectorsPresentJS(selectors), &present)); err != nil {
		return false, err
	}
	return present, nil
}
