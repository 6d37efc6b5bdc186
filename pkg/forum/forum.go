// Package forum contains the core domain types for the forum address and mention tracker.
package forum

import (
	"fmt"
	"slices"
	"time"
)

// Order is the post_id ordering requested from a post source.
type Order string

const (
	Ascending  Order = "ASC"
	Descending Order = "DESC"
)

// Post is a single forum post as stored by the ingestion path.
type Post struct {
	Date       time.Time `json:"date"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	Content    string    `json:"content"` // Raw forum markup
	Boards     []int64   `json:"boards"`
	NotifiedTo []int64   `json:"notified_to"` // Subscribers already notified for this post
	PostID     int64     `json:"post_id"`
	TopicID    int64     `json:"topic_id"`
	AuthorUID  int64     `json:"author_uid"`
	Checked    bool      `json:"checked"`  // Address extraction ran
	Notified   bool      `json:"notified"` // Mention sweep finished
	Archive    bool      `json:"archive"`
}

// URL returns the deep link to this exact post.
func (p *Post) URL() string {
	return fmt.Sprintf("https://bitcointalk.org/index.php?topic=%d.msg%d#msg%d", p.TopicID, p.PostID, p.PostID)
}

// WasNotified reports whether subscriberID already received a mention for this post.
func (p *Post) WasNotified(subscriberID int64) bool {
	return slices.Contains(p.NotifiedTo, subscriberID)
}

// Mention is one address sighting extracted from a post.
type Mention struct {
	Address   string
	Author    string
	AuthorUID int64
	PostID    int64
}

// Address is the aggregated index record for one payment address.
// All three sets only ever grow.
type Address struct {
	Address    string   `json:"address"`
	PostsID    []int64  `json:"posts_id"`
	Authors    []string `json:"authors"`
	AuthorsUID []int64  `json:"authors_uid"`
}

// Subscriber is a messaging user who opted in to notifications.
type Subscriber struct {
	Username       string `json:"username"`
	TelegramID     int64  `json:"telegram_id"`
	UserID         int64  `json:"user_id"` // Forum uid, 0 when unknown
	EnableMentions bool   `json:"enable_mentions"`
	EnableMerits   bool   `json:"enable_merits"`
	Blocked        bool   `json:"blocked"` // Sticky: only cleared by preference management
}
