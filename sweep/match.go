package sweep

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"forumwatch/extract"
	"forumwatch/pkg/forum"
)

// Parsed is a post prepared once for matching against every subscriber.
type Parsed struct {
	Post          *forum.Post
	Text          string   // Own text, quotes removed
	QuotedAuthors []string // Authors of quoted replies
}

// Parse extracts the matchable parts of a post.
func Parse(p *forum.Post) *Parsed {
	return &Parsed{
		Post:          p,
		Text:          extract.Text(p.Content),
		QuotedAuthors: extract.QuotedAuthors(p.Content),
	}
}

// Matcher decides whether a post mentions a subscriber.
type Matcher interface {
	Mentions(post *Parsed, sub *forum.Subscriber) bool
}

// UsernameMatcher matches a subscriber's forum username as a whole word in
// the post's own text, or as the author of a quoted reply. Authors are never
// notified about their own posts.
type UsernameMatcher struct{}

// Mentions implements Matcher.
func (UsernameMatcher) Mentions(post *Parsed, sub *forum.Subscriber) bool {
	name := strings.TrimSpace(sub.Username)
	if name == "" {
		return false
	}
	if strings.EqualFold(post.Post.Author, name) {
		return false
	}
	if sub.UserID != 0 && post.Post.AuthorUID == sub.UserID {
		return false
	}

	for _, quoted := range post.QuotedAuthors {
		if strings.EqualFold(quoted, name) {
			return true
		}
	}
	return containsWord(post.Text, name)
}

// containsWord reports whether word occurs in text, case-insensitively,
// not touching a letter, digit or underscore on either side.
func containsWord(text, word string) bool {
	lt := strings.ToLower(text)
	lw := strings.ToLower(word)

	for i := 0; i < len(lt); {
		j := strings.Index(lt[i:], lw)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(lw)

		before, _ := utf8.DecodeLastRuneInString(lt[:start])
		after, _ := utf8.DecodeRuneInString(lt[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}

		_, size := utf8.DecodeRuneInString(lt[start:])
		i = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
