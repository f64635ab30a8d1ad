package scrape

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"crawlengine/internal/utils/markdown"
	"crawlengine/internal/utils/urlutil"
)

// Convert fills a fetched document's markdown, title, metadata and
// outbound links from its raw HTML. CPU-bound; callers must not hold a
// fetch permit across it.
func Convert(doc *Document) {
	if doc == nil || doc.HTML == "" {
		return
	}
	gq, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return
	}

	doc.Title = strings.TrimSpace(gq.Find("title").First().Text())
	doc.Metadata.Description = metaContent(gq, "meta[name=description]")
	doc.Metadata.OgTitle = metaContent(gq, "meta[property='og:title']")
	doc.Metadata.OgImage = metaContent(gq, "meta[property='og:image']")
	if lang, ok := gq.Find("html").Attr("lang"); ok {
		doc.Metadata.Language = lang
	}
	if canonical, ok := gq.Find("link[rel=canonical]").Attr("href"); ok {
		doc.Metadata.Canonical = canonical
	}

	doc.Links = ExtractLinks(doc.URL, gq)
	doc.Markdown = markdown.Convert(doc.HTML)
}

// ExtractLinks resolves and normalizes all anchor hrefs against the page URL.
func ExtractLinks(pageURL string, gq *goquery.Document) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var links []string
	gq.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		link := urlutil.Normalize(abs.String())
		if link == "" {
			return
		}
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func metaContent(gq *goquery.Document, selector string) string {
	v, _ := gq.Find(selector).First().Attr("content")
	return v
}
