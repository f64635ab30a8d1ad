package sitemap

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Parsed holds the outcome of one sitemap document: page URLs to feed the
// frontier and child sitemaps to recurse into.
type Parsed struct {
	URLs     []string
	Children []string
}

type urlset struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []loc    `xml:"url"`
}

type sitemapindex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []loc    `xml:"sitemap"`
}

type loc struct {
	Loc string `xml:"loc"`
}

// Parse decodes a sitemap body, accepting either a urlset or a
// sitemapindex document.
func Parse(body []byte) (*Parsed, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return &Parsed{}, nil
	}

	if strings.Contains(trimmed, "<sitemapindex") {
		var idx sitemapindex
		if err := xml.Unmarshal(body, &idx); err != nil {
			return nil, fmt.Errorf("parse sitemapindex: %w", err)
		}
		out := &Parsed{}
		for _, s := range idx.Sitemaps {
			if u := strings.TrimSpace(s.Loc); u != "" {
				out.Children = append(out.Children, u)
			}
		}
		return out, nil
	}

	var set urlset
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse urlset: %w", err)
	}
	out := &Parsed{}
	for _, u := range set.URLs {
		if l := strings.TrimSpace(u.Loc); l != "" {
			out.URLs = append(out.URLs, l)
		}
	}
	return out, nil
}
