package websearch

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// userAgent identifies steward to the endpoints it talks to.
const userAgent = "Mozilla/5.0 (compatible; StewardBot/1.0)"

// The HTML endpoint serves static markup for no-JS browsers, which keeps the
// scrape stable: each hit renders one result__a anchor for the title/link
// and one result__snippet anchor for the body text.
var (
	reResultAnchor  = regexp.MustCompile(`(?is)<a[^>]*class="result__a"[^>]*>.*?</a>`)
	reSnippetAnchor = regexp.MustCompile(`(?is)<a[^>]*class="result__snippet"[^>]*>(.*?)</a>`)
	reHref          = regexp.MustCompile(`href="([^"]+)"`)
	reTag           = regexp.MustCompile(`<[^>]*>`)
)

// searchDuckDuckGo scrapes the DuckDuckGo HTML endpoint.
func (t *Tool) searchDuckDuckGo(ctx context.Context, query string, count int) ([]Result, error) {
	form := url.Values{}
	form.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.duckduckgoURL+"?"+form.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return parseDuckDuckGo(string(body), count), nil
}

// parseDuckDuckGo pairs result anchors with their snippets by position.
// Anchors missing a link or title are skipped without consuming a slot.
func parseDuckDuckGo(page string, count int) []Result {
	anchors := reResultAnchor.FindAllString(page, -1)
	snippets := reSnippetAnchor.FindAllStringSubmatch(page, -1)

	results := make([]Result, 0, count)
	for i, anchor := range anchors {
		if len(results) >= count {
			break
		}

		href := ""
		if m := reHref.FindStringSubmatch(anchor); len(m) > 1 {
			href = resolveRedirect(html.UnescapeString(m[1]))
		}
		title := stripTags(anchor)
		if href == "" || title == "" {
			continue
		}

		r := Result{Title: title, URL: href}
		if i < len(snippets) {
			r.Snippet = stripTags(snippets[i][1])
		}
		results = append(results, r)
	}
	return results
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links to the real
// target URL.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	// Protocol-relative links come back scheme-less.
	if u.Scheme == "" && u.Host != "" {
		u.Scheme = "https"
		return u.String()
	}
	return href
}

// stripTags drops markup, unescapes entities, and collapses whitespace.
func stripTags(fragment string) string {
	text := html.UnescapeString(reTag.ReplaceAllString(fragment, ""))
	return strings.Join(strings.Fields(text), " ")
}
