package notify

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const excerptLength = 150

// Excerpt returns the first excerptLength characters of a post's own text,
// with top-level quotes removed and whitespace collapsed, followed by "..."
// when truncated.
func Excerpt(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}

	body := doc.Find("body")
	body.ChildrenFiltered("div.quote").Remove()
	body.Find("br").ReplaceWithHtml(" ")

	text := strings.Join(strings.Fields(body.Text()), " ")

	runes := []rune(text)
	if len(runes) <= excerptLength {
		return text
	}
	return string(runes[:excerptLength]) + "..."
}
