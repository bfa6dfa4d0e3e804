package news

import (
	"encoding/xml"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
)

// FeedItem is one entry from an RSS feed or category listing.
type FeedItem struct {
	Title       string
	Link        string
	PublishedAt *time.Time
}

type rssDoc struct {
	Channel struct {
		Items []struct {
			Title   string `xml:"title"`
			Link    string `xml:"link"`
			PubDate string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

// pubDateLayouts are the formats seen across VN news feeds.
var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05Z07:00",
	"02/01/2006 15:04",
}

// ParseFeed decodes RSS 2.0 XML into feed items. Items without a link are
// dropped; an unparseable pubDate leaves PublishedAt nil rather than failing
// the item.
func ParseFeed(data []byte) ([]FeedItem, error) {
	var doc rssDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	out := make([]FeedItem, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		link := strings.TrimSpace(it.Link)
		if link == "" {
			continue
		}
		item := FeedItem{
			Title: strings.TrimSpace(html.UnescapeString(it.Title)),
			Link:  link,
		}
		for _, layout := range pubDateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(it.PubDate)); err == nil {
				utc := t.UTC()
				item.PublishedAt = &utc
				break
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// articleHref matches links to article detail pages on category listings.
// VN news sites end article URLs with a numeric id before .chn/.htm/.html.
var articleHref = regexp.MustCompile(`href="([^"]*?-?\d{6,}[^"]*?\.(?:chn|htm|html))"`)

// ExtractListingLinks pulls article URLs out of a category listing page,
// resolving relative paths against base. Order of first appearance is kept.
func ExtractListingLinks(pageHTML, base string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range articleHref.FindAllStringSubmatch(pageHTML, -1) {
		u := html.UnescapeString(m[1])
		if strings.HasPrefix(u, "//") {
			u = "https:" + u
		} else if strings.HasPrefix(u, "/") {
			u = strings.TrimRight(base, "/") + u
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Site-preferred content classes, tried before the generic fallback. The
// title/head/body split mirrors the markup the major VN finance sites use.
var preferredClasses = []string{"pTitle", "pHead", "pBody", "detail-content", "article-body", "contentdetail"}

var (
	reScript  = regexp.MustCompile(`(?is)<(script|style|noscript|iframe)[^>]*>.*?</\w+>`)
	reComment = regexp.MustCompile(`(?s)<!--.*?-->`)
	reTag     = regexp.MustCompile(`(?s)<[^>]+>`)
	reSpace   = regexp.MustCompile(`[ \t\x{00a0}]+`)
	reBlank   = regexp.MustCompile(`\n{3,}`)
)

// ExtractText returns cleaned article text. It first collects the
// site-preferred content blocks; when none match it strips the whole
// document. The second return value names the path taken.
func ExtractText(pageHTML string) (string, string) {
	var parts []string
	for _, class := range preferredClasses {
		re := regexp.MustCompile(`(?is)<(?:div|h1|h2|p)[^>]*class="[^"]*\b` + class + `\b[^"]*"[^>]*>(.*?)</(?:div|h1|h2|p)>`)
		for _, m := range re.FindAllStringSubmatch(pageHTML, -1) {
			parts = append(parts, stripHTML(m[1]))
		}
	}
	if len(parts) > 0 {
		return collapse(strings.Join(parts, "\n\n")), "preferred"
	}

	body := pageHTML
	if i := strings.Index(strings.ToLower(pageHTML), "<body"); i >= 0 {
		body = pageHTML[i:]
	}
	return collapse(stripHTML(body)), "generic"
}

func stripHTML(s string) string {
	s = reScript.ReplaceAllString(s, " ")
	s = reComment.ReplaceAllString(s, " ")
	s = regexp.MustCompile(`(?i)<(?:br|/p|/div|/h\d)[^>]*>`).ReplaceAllString(s, "\n")
	s = reTag.ReplaceAllString(s, " ")
	return html.UnescapeString(s)
}

func collapse(s string) string {
	s = reSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = reBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// WordCount counts whitespace-separated tokens; the fetch path treats
// fewer than 80 words as a blocked or truncated page.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// vietnameseRange has a few characters unique to Vietnamese orthography.
const vietnameseChars = "ăâđêôơưĂÂĐÊÔƠƯàảãạèẻẽẹìỉĩịòỏõọùủũụỳỷỹỵ"

// DetectLang returns "vi" when the text carries Vietnamese diacritics,
// otherwise nil. Good enough for a single-market corpus.
func DetectLang(s string) *string {
	if strings.ContainsAny(s, vietnameseChars) {
		vi := "vi"
		return &vi
	}
	return nil
}
