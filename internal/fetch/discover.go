package fetch

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var feedLinkTypes = []string{"application/rss+xml", "application/atom+xml"}

// IsHTML reports whether a response looks like an HTML page rather than a
// feed document.
func IsHTML(resp *Response) bool {
	ct := strings.ToLower(resp.ContentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if strings.Contains(ct, "xml") || strings.Contains(ct, "rss") {
		return false
	}

	head := bytes.ToLower(bytes.TrimSpace(resp.Body))
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.Contains(head, []byte("<html"))
}

// DiscoverFeedURLs returns the feed links advertised by an HTML page, in
// document order, resolved against pageURL.
func DiscoverFeedURLs(pageURL string, body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	// A <base href> overrides the page URL for relative links.
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	var found []string
	seen := make(map[string]bool)
	doc.Find(`link[rel~="alternate"]`).Each(func(_ int, s *goquery.Selection) {
		if !isFeedType(s.AttrOr("type", "")) {
			return
		}
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		abs := u.String()
		if !seen[abs] {
			seen[abs] = true
			found = append(found, abs)
		}
	})
	return found
}

func isFeedType(linkType string) bool {
	linkType = strings.ToLower(strings.TrimSpace(linkType))
	for _, t := range feedLinkTypes {
		if strings.HasPrefix(linkType, t) {
			return true
		}
	}
	return false
}
