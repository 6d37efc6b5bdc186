// Package postgres reads forum posts and maintains the address index in
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"forumwatch/pkg/forum"

	"github.com/lib/pq"
)

// Repository serves posts, the address index and per-post notification state.
type Repository struct {
	db *sql.DB
}

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const postColumns = `post_id, topic_id, title, author, author_uid, content, date,
	boards, checked, notified, notified_to, archive`

// FetchPosts returns up to limit posts with post_id strictly greater than
// after, sorted by post_id in the given order.
func (r *Repository) FetchPosts(ctx context.Context, after int64, limit int, order forum.Order) ([]forum.Post, error) {
	query, err := fetchPostsQuery(order)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query posts after %d (limit=%d): %w", after, limit, err)
	}
	return scanPosts(rows)
}

// LatestIndexedPostID returns the highest post id referenced by any address
// record, or 0 when the index is empty.
func (r *Repository) LatestIndexedPostID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT max(p) FROM addresses, unnest(posts_id) AS p`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("query latest indexed post: %w", err)
	}
	return id.Int64, nil
}

// UpsertUnion inserts every record in one statement. Existing addresses get
// the set union of stored and incoming values for all three arrays, so
// replaying a batch leaves the table unchanged.
func (r *Repository) UpsertUnion(ctx context.Context, records []forum.Address) error {
	if len(records) == 0 {
		return nil
	}

	query, args := upsertUnionQuery(records)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert addresses: %w", err)
	}
	return nil
}

// MarkChecked flags posts as processed by the address scan.
func (r *Repository) MarkChecked(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE posts SET checked = true WHERE post_id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("mark %d posts checked: %w", len(ids), err)
	}
	return nil
}

// AddNotifiedTo records that subscriberID was notified about postID. The id
// is appended at most once.
func (r *Repository) AddNotifiedTo(ctx context.Context, postID, subscriberID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET notified_to = array_append(COALESCE(notified_to, '{}'), $2::bigint)
		WHERE post_id = $1
		  AND NOT (COALESCE(notified_to, '{}') @> ARRAY[$2::bigint])`,
		postID, subscriberID,
	)
	if err != nil {
		return fmt.Errorf("add subscriber %d to post %d: %w", subscriberID, postID, err)
	}
	return nil
}

// MarkNotified flags a post as fully handled by the notification sweep.
func (r *Repository) MarkNotified(ctx context.Context, postID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE posts SET notified = true WHERE post_id = $1`, postID)
	if err != nil {
		return fmt.Errorf("mark post %d notified: %w", postID, err)
	}
	return nil
}

// LatestUnnotifiedPosts returns recent posts the sweep has not finished,
// newest first.
func (r *Repository) LatestUnnotifiedPosts(ctx context.Context, window time.Duration, limit int) ([]forum.Post, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE notified = false
		  AND archive = false
		  AND date >= $1
		ORDER BY post_id DESC
		LIMIT $2`,
		time.Now().UTC().Add(-window), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unnotified posts (window=%s, limit=%d): %w", window, limit, err)
	}
	return scanPosts(rows)
}

func fetchPostsQuery(order forum.Order) (string, error) {
	switch order {
	case forum.Ascending, forum.Descending:
	default:
		return "", fmt.Errorf("invalid post order %q", order)
	}
	return `
		SELECT ` + postColumns + `
		FROM posts
		WHERE post_id > $1
		ORDER BY post_id ` + string(order) + `
		LIMIT $2`, nil
}

func upsertUnionQuery(records []forum.Address) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		INSERT INTO addresses (address, posts_id, authors, authors_uid)
		VALUES `)

	args := make([]any, 0, len(records)*4)
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&b, "($%d, $%d::bigint[], $%d::text[], $%d::bigint[])", n+1, n+2, n+3, n+4)
		args = append(args, rec.Address, pq.Array(rec.PostsID), pq.Array(rec.Authors), pq.Array(rec.AuthorsUID))
	}

	b.WriteString(`
		ON CONFLICT (address) DO UPDATE SET
			posts_id = array(SELECT DISTINCT unnest(addresses.posts_id || excluded.posts_id) ORDER BY 1),
			authors = array(SELECT DISTINCT unnest(addresses.authors || excluded.authors) ORDER BY 1),
			authors_uid = array(SELECT DISTINCT unnest(addresses.authors_uid || excluded.authors_uid) ORDER BY 1)`)

	return b.String(), args
}

func scanPosts(rows *sql.Rows) ([]forum.Post, error) {
	defer rows.Close()

	var posts []forum.Post
	for rows.Next() {
		var (
			p          forum.Post
			title      sql.NullString
			authorUID  sql.NullInt64
			boards     pq.Int64Array
			notifiedTo pq.Int64Array
		)
		err := rows.Scan(
			&p.PostID,
			&p.TopicID,
			&title,
			&p.Author,
			&authorUID,
			&p.Content,
			&p.Date,
			&boards,
			&p.Checked,
			&p.Notified,
			&notifiedTo,
			&p.Archive,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Title = title.String
		p.AuthorUID = authorUID.Int64
		p.Boards = boards
		p.NotifiedTo = notifiedTo
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}
