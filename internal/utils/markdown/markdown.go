package markdown

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var (
	blankRuns = regexp.MustCompile(`\n{3,}`)

	// class/id fragments that mark navigation and chrome rather than content
	boilerplateKeywords = []string{
		"cookie", "consent", "banner", "navbar", "menu-", "pagination",
		"share", "signup", "signin", "login", "advert", "promo", "modal",
		"popup", "breadcrumb", "sidebar",
	}
)

// Convert turns page HTML into cleaned markdown. Boilerplate elements are
// stripped before conversion so the structured payload carries content only.
func Convert(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	sel := doc.Find("body")
	for _, tag := range []string{"main", "[role=\"main\"]", "#content", "#main"} {
		if doc.Find(tag).Length() > 0 {
			sel = doc.Find(tag).First()
			break
		}
	}

	sel.Find("script, style, noscript, nav, header, aside, form, iframe, svg, button, input").
		Each(func(_ int, s *goquery.Selection) { s.Remove() })

	sel.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		classVal, _ := s.Attr("class")
		idVal, _ := s.Attr("id")
		lower := strings.ToLower(classVal + " " + idVal)
		for _, kw := range boilerplateKeywords {
			if strings.Contains(lower, kw) {
				s.Remove()
				break
			}
		}
	})

	body, err := sel.Html()
	if err != nil {
		return ""
	}

	conv := md.NewConverter("", true, nil)
	out, err := conv.ConvertString(body)
	if err != nil {
		return ""
	}

	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
