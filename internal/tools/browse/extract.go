package browse

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// chromeRes match whole elements that never carry readable text. RE2 has no
// backreferences, so each tag gets its own pattern.
var chromeRes = func() []*regexp.Regexp {
	tags := []string{"script", "style", "noscript", "iframe", "nav", "header", "footer", "aside"}
	res := make([]*regexp.Regexp, len(tags))
	for i, tag := range tags {
		res[i] = regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
	}
	return res
}()

var (
	reTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	reOGTitle = regexp.MustCompile(`(?i)<meta[^>]*property=["']og:title["'][^>]*content=["']([^"']*)["']`)
	reH1      = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)

	reMain    = regexp.MustCompile(`(?is)<main[^>]*>(.*?)</main>`)
	reArticle = regexp.MustCompile(`(?is)<article[^>]*>(.*?)</article>`)
	reBody    = regexp.MustCompile(`(?is)<body[^>]*>(.*?)</body>`)

	reBlockTag = regexp.MustCompile(`(?i)</?(?:p|div|h[1-6]|li|br|tr|section)[^>]*>`)
	reAnyTag   = regexp.MustCompile(`<[^>]*>`)

	reLink = regexp.MustCompile(`(?is)<a[^>]*href="(https?://[^"]+)"[^>]*>(.*?)</a>`)
)

// extractTitle tries the title tag, then og:title, then the first h1.
func extractTitle(page string) string {
	for _, re := range []*regexp.Regexp{reTitle, reOGTitle, reH1} {
		if m := re.FindStringSubmatch(page); len(m) > 1 {
			if title := flattenFragment(m[1]); title != "" {
				return title
			}
		}
	}
	return ""
}

// stripChrome removes whole elements that never carry readable text, so
// neither the text nor the link pass sees them.
func stripChrome(page string) string {
	for _, re := range chromeRes {
		page = re.ReplaceAllString(page, "")
	}
	return page
}

// extractText returns the page's readable text, preferring a main or
// article container over the whole body when one holds real content.
// Callers strip chrome first.
func extractText(page string) string {
	for _, re := range []*regexp.Regexp{reMain, reArticle, reBody} {
		if m := re.FindStringSubmatch(page); len(m) > 1 {
			if text := flatten(m[1]); len(text) > 200 {
				return text
			}
		}
	}
	return flatten(page)
}

// Link is one absolute link found on the page.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// extractLinks returns up to maxLinks absolute links with non-empty text.
func extractLinks(page string) []Link {
	var links []Link
	for _, m := range reLink.FindAllStringSubmatch(page, -1) {
		if len(links) >= maxLinks {
			break
		}
		text := truncate(flattenFragment(m[2]), 100)
		if text == "" {
			continue
		}
		links = append(links, Link{Text: text, URL: html.UnescapeString(m[1])})
	}
	return links
}

// flatten converts an HTML fragment to text, one block element per line.
func flatten(fragment string) string {
	fragment = reBlockTag.ReplaceAllString(fragment, "\n")
	text := html.UnescapeString(reAnyTag.ReplaceAllString(fragment, ""))

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// flattenFragment is flatten for inline fragments: single line out.
func flattenFragment(fragment string) string {
	text := html.UnescapeString(reAnyTag.ReplaceAllString(fragment, ""))
	return strings.Join(strings.Fields(text), " ")
}

// truncate cuts s at limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}
