package collect

import (
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

var fallbackBase = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}

// Snippet turns an HTML (or plain text) fragment into a single-line plain
// text excerpt of at most maxRunes runes. Readability extraction is tried
// first; short or tag-free input falls back to plain tag stripping.
func Snippet(html, pageURL string, maxRunes int) string {
	text := ""
	if strings.Contains(html, "<") {
		base := fallbackBase
		if u, err := url.Parse(pageURL); err == nil && u.IsAbs() {
			base = u
		}
		if article, err := readability.FromReader(strings.NewReader(html), base); err == nil {
			text = article.TextContent
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		text = stripHTML(html)
	}
	return truncate(text, maxRunes)
}

func truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	cut := strings.TrimSpace(string(runes[:maxRunes]))
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
