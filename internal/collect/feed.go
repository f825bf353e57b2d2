package collect

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ParsedFeed is a feed document normalized away from its RSS/Atom/JSON dialect.
type ParsedFeed struct {
	Title       string
	Description string
	Link        string
	ImageURL    string
	Items       []Item // document order, at most the fetcher's item limit
	// LatestPublished is the newest entry date in the whole document,
	// including entries past the item limit.
	LatestPublished *time.Time
}

// Item is one normalized feed entry. Empty strings mean "absent".
type Item struct {
	Title          string
	Link           string
	Content        string
	ContentSnippet string
	Author         string
	GUID           string
	PublishedAt    *time.Time
}

// normalizeFeed converts the first maxItems entries of feed; maxItems <= 0
// keeps them all. Dates are scanned across every entry.
func normalizeFeed(feed *gofeed.Feed, maxItems, snippetLength int) *ParsedFeed {
	pf := &ParsedFeed{
		Title:       strings.TrimSpace(feed.Title),
		Description: strings.TrimSpace(feed.Description),
		Link:        strings.TrimSpace(feed.Link),
	}
	if feed.Image != nil {
		pf.ImageURL = strings.TrimSpace(feed.Image.URL)
	}

	limit := len(feed.Items)
	if maxItems > 0 && maxItems < limit {
		limit = maxItems
	}
	pf.Items = make([]Item, 0, limit)
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		if published := itemDate(item); published != nil && (pf.LatestPublished == nil || published.After(*pf.LatestPublished)) {
			pf.LatestPublished = published
		}
		if len(pf.Items) < limit {
			pf.Items = append(pf.Items, parseItem(item, snippetLength))
		}
	}
	return pf
}

func itemDate(item *gofeed.Item) *time.Time {
	var t time.Time
	switch {
	case item.PublishedParsed != nil:
		t = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		t = item.UpdatedParsed.UTC()
	default:
		return nil
	}
	return &t
}

func parseItem(item *gofeed.Item, snippetLength int) Item {
	it := Item{
		Title:       strings.TrimSpace(item.Title),
		Link:        strings.TrimSpace(item.Link),
		GUID:        strings.TrimSpace(item.GUID),
		PublishedAt: itemDate(item),
	}

	if item.Author != nil && item.Author.Name != "" {
		it.Author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		it.Author = item.Authors[0].Name
	}

	// Prefer full content; description is often a teaser.
	if item.Content != "" {
		it.Content = item.Content
	} else {
		it.Content = item.Description
	}

	source := item.Description
	if source == "" {
		source = item.Content
	}
	if source != "" {
		it.ContentSnippet = Snippet(source, it.Link, snippetLength)
	}
	return it
}

func stripHTML(text string) string {
	// Simple HTML tag removal
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	// Decode common entities
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")

	// Normalize whitespace
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// ExtractSourceName derives a display name from a feed URL, e.g.
// "https://blog.golang.org/feed.atom" -> "Golang".
func ExtractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	if slices.Contains(parts, "") {
		return feedURL
	}
	name := parts[0]
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
