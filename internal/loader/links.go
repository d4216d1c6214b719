package loader

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxAnchorText = 200

// Link is an outgoing link found on a page
type Link struct {
	URL        string
	AnchorText string
	Rel        string
}

// Page holds what the loader takes from a fetched HTML document
type Page struct {
	Title    string
	NoFollow bool // meta robots forbids following links
	Links    []Link
}

// ParsePage extracts the title and the followable links of an HTML body.
// Relative links resolve against the document's <base href> when present,
// otherwise against pageURL. Links marked rel=nofollow and links to non-web
// schemes are skipped, and each target appears once.
func ParsePage(pageURL *url.URL, body []byte, maxLinks int) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := &Page{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	doc.Find(`meta[name]`).Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(s.AttrOr("name", ""), "robots") {
			return
		}
		for _, directive := range strings.Split(strings.ToLower(s.AttrOr("content", "")), ",") {
			switch strings.TrimSpace(directive) {
			case "nofollow", "none":
				page.NoFollow = true
			}
		}
	})
	if page.NoFollow {
		return page, nil
	}

	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := pageURL.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]struct{})
	doc.Find("a[href], area[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		rel := strings.ToLower(s.AttrOr("rel", ""))
		if hasToken(rel, "nofollow") {
			return true
		}

		target, err := base.Parse(href)
		if err != nil {
			return true
		}
		if target.Scheme != "http" && target.Scheme != "https" {
			return true
		}
		target.Fragment = ""
		target.RawFragment = ""

		key := target.String()
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}

		page.Links = append(page.Links, Link{
			URL:        key,
			AnchorText: truncate(strings.Join(strings.Fields(s.Text()), " "), maxAnchorText),
			Rel:        rel,
		})
		return maxLinks <= 0 || len(page.Links) < maxLinks
	})

	return page, nil
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if f == token {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
