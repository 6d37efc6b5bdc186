// Package extract finds payment addresses in forum post markup.
package extract

import (
	"iter"
	"regexp"
	"strings"

	"forumwatch/pkg/forum"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	// Order matters only for the order addresses are yielded in.
	patterns = []*regexp.Regexp{
		regexp.MustCompile(`\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b`), // Bitcoin base58 (P2PKH / P2SH)
		regexp.MustCompile(`\bbc1[ac-hj-np-z02-9]{11,71}\b`),      // Bitcoin bech32, lower case
		regexp.MustCompile(`\bBC1[AC-HJ-NP-Z02-9]{11,71}\b`),      // Bitcoin bech32, upper case (QR codes)
		regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`),               // Ethereum
	}

	quoteAuthorRegex = regexp.MustCompile(`^Quote from:\s*(.+?)\s+on\s+`)
)

// Addresses yields every distinct address found in content, in order of first
// appearance per pattern. Quoted replies are skipped so an address is only
// attributed to the author who wrote it. The sequence is lazy and may be
// ranged over any number of times.
func Addresses(content string) iter.Seq[string] {
	return func(yield func(string) bool) {
		text := searchableText(content)
		if text == "" {
			return
		}

		seen := make(map[string]struct{})
		for _, re := range patterns {
			for _, match := range re.FindAllString(text, -1) {
				match = normalize(match)
				if _, ok := seen[match]; ok {
					continue
				}
				seen[match] = struct{}{}
				if !yield(match) {
					return
				}
			}
		}
	}
}

// normalize folds upper-case bech32 to its canonical lower-case form.
func normalize(addr string) string {
	if strings.HasPrefix(addr, "BC1") {
		return strings.ToLower(addr)
	}
	return addr
}

// Post yields one mention per address found in the post, tagged with the
// post's author identity.
func Post(p *forum.Post) iter.Seq[forum.Mention] {
	return func(yield func(forum.Mention) bool) {
		for addr := range Addresses(p.Content) {
			m := forum.Mention{
				Address:   addr,
				Author:    p.Author,
				AuthorUID: p.AuthorUID,
				PostID:    p.PostID,
			}
			if !yield(m) {
				return
			}
		}
	}
}

// Text returns the readable text of a post with quoted replies removed and
// whitespace collapsed.
func Text(content string) string {
	doc, err := parse(content, true)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, n := range doc.Find("body").Nodes {
		collect(&b, n, false)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// QuotedAuthors returns the usernames named in the post's quote headers
// ("Quote from: satoshi on ...").
func QuotedAuthors(content string) []string {
	doc, err := parse(content, false)
	if err != nil {
		return nil
	}
	var authors []string
	doc.Find("div.quoteheader").Each(func(_ int, s *goquery.Selection) {
		header := strings.Join(strings.Fields(s.Text()), " ")
		if m := quoteAuthorRegex.FindStringSubmatch(header); m != nil {
			authors = append(authors, m[1])
		}
	})
	return authors
}

func searchableText(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	doc, err := parse(content, true)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, n := range doc.Find("body").Nodes {
		collect(&b, n, true)
	}
	return b.String()
}

func parse(content string, stripQuotes bool) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, err
	}
	if stripQuotes {
		doc.Find("div.quote, div.quoteheader").Remove()
	}
	return doc, nil
}

// collect writes text nodes separated by spaces so adjacent elements never
// glue two tokens together.
func collect(b *strings.Builder, n *html.Node, withLinks bool) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" {
			return
		}
		if withLinks && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					b.WriteString(attr.Val)
					b.WriteByte(' ')
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collect(b, c, withLinks)
	}
}
