package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"forumwatch/pkg/forum"
)

var errNotFound = errors.New("not found")

type fakeDirectory struct {
	subs     map[int64]*forum.Subscriber
	getErr   error
	blockErr error
	blocked  []int64
	mu       sync.Mutex
}

func (f *fakeDirectory) Get(_ context.Context, id int64) (*forum.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeDirectory) SetBlocked(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return f.blockErr
	}
	f.blocked = append(f.blocked, id)
	if sub, ok := f.subs[id]; ok {
		sub.Blocked = true
	}
	return nil
}

type fakeMarker struct {
	marked map[int64][]int64
	err    error
	mu     sync.Mutex
}

func (f *fakeMarker) AddNotifiedTo(_ context.Context, postID, subscriberID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.marked == nil {
		f.marked = make(map[int64][]int64)
	}
	f.marked[postID] = append(f.marked[postID], subscriberID)
	return nil
}

type fakeTransport struct {
	err   error
	block bool
	sent  []string
	mu    sync.Mutex
}

func (f *fakeTransport) Send(ctx context.Context, chatID int64, html string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, html)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type rejection struct {
	desc      string
	blocked   bool
	retryable bool
}

func (r *rejection) Error() string   { return r.desc }
func (r *rejection) Blocked() bool   { return r.blocked }
func (r *rejection) Retryable() bool { return r.retryable }

const subscriberID = 4242

func setup(transport *fakeTransport) (*Dispatcher, *fakeDirectory, *fakeMarker) {
	dir := &fakeDirectory{subs: map[int64]*forum.Subscriber{
		subscriberID: {TelegramID: subscriberID, Username: "satoshi", EnableMentions: true},
		7:            {TelegramID: 7, Username: "quiet", EnableMentions: false},
		8:            {TelegramID: 8, Username: "gone", EnableMentions: true, Blocked: true},
	}}
	marker := &fakeMarker{}
	d := New(&Config{
		Directory:   dir,
		Posts:       marker,
		Transport:   transport,
		Logger:      slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		IsNotFound:  func(err error) bool { return errors.Is(err, errNotFound) },
		SendTimeout: 50 * time.Millisecond,
	})
	return d, dir, marker
}

func testPost() *forum.Post {
	return &forum.Post{
		PostID:  555,
		TopicID: 99,
		Title:   "Re: Wallet <help>",
		Author:  "hal",
		Content: "hey satoshi, check this",
	}
}

func TestNotifyDelivers(t *testing.T) {
	transport := &fakeTransport{}
	d, _, marker := setup(transport)
	post := testPost()

	if got := d.Notify(context.Background(), subscriberID, post); got != OutcomeDelivered {
		t.Fatalf("Notify() = %v, want delivered", got)
	}
	if !slices.Equal(post.NotifiedTo, []int64{subscriberID}) {
		t.Errorf("NotifiedTo = %v, want [%d]", post.NotifiedTo, subscriberID)
	}
	if !slices.Equal(marker.marked[555], []int64{subscriberID}) {
		t.Errorf("persisted notified = %v", marker.marked[555])
	}
	if transport.count() != 1 {
		t.Fatalf("sent %d messages, want 1", transport.count())
	}
	if !strings.Contains(transport.sent[0], "mentioned by <b>hal</b>") {
		t.Errorf("message = %q", transport.sent[0])
	}
}

func TestNotifyNoDuplicate(t *testing.T) {
	transport := &fakeTransport{}
	d, _, _ := setup(transport)
	post := testPost()
	ctx := context.Background()

	d.Notify(ctx, subscriberID, post)
	if got := d.Notify(ctx, subscriberID, post); got != OutcomeSkipped {
		t.Errorf("second Notify() = %v, want skipped", got)
	}
	if transport.count() != 1 {
		t.Errorf("sent %d messages, want 1", transport.count())
	}
}

func TestNotifyBlockedSuppression(t *testing.T) {
	transport := &fakeTransport{err: &rejection{desc: "Forbidden: bot was blocked by the user", blocked: true}}
	d, dir, marker := setup(transport)
	post := testPost()
	ctx := context.Background()

	if got := d.Notify(ctx, subscriberID, post); got != OutcomeSuppressed {
		t.Fatalf("Notify() = %v, want suppressed", got)
	}
	if !slices.Equal(dir.blocked, []int64{subscriberID}) {
		t.Errorf("SetBlocked calls = %v", dir.blocked)
	}
	if len(post.NotifiedTo) != 0 || len(marker.marked) != 0 {
		t.Errorf("blocked send recorded as notified: %v %v", post.NotifiedTo, marker.marked)
	}

	// Later attempts are skipped without contacting the transport.
	transport.err = nil
	if got := d.Notify(ctx, subscriberID, testPost()); got != OutcomeSkipped {
		t.Errorf("Notify() after block = %v, want skipped", got)
	}
	if transport.count() != 0 {
		t.Errorf("sent %d messages to blocked subscriber", transport.count())
	}
}

func TestNotifyFailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		transport *fakeTransport
		want      Outcome
	}{
		{
			name:      "network error",
			transport: &fakeTransport{err: errors.New("dial tcp: connection refused")},
			want:      OutcomeTransient,
		},
		{
			name:      "timeout",
			transport: &fakeTransport{block: true},
			want:      OutcomeTransient,
		},
		{
			name:      "rate limited",
			transport: &fakeTransport{err: &rejection{desc: "Too Many Requests", retryable: true}},
			want:      OutcomeTransient,
		},
		{
			name:      "rejected",
			transport: &fakeTransport{err: &rejection{desc: "Bad Request: can't parse entities"}},
			want:      OutcomePermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, dir, marker := setup(tt.transport)
			post := testPost()

			if got := d.Notify(context.Background(), subscriberID, post); got != tt.want {
				t.Errorf("Notify() = %v, want %v", got, tt.want)
			}
			if len(post.NotifiedTo) != 0 || len(marker.marked) != 0 {
				t.Errorf("failed send recorded as notified")
			}
			if len(dir.blocked) != 0 {
				t.Errorf("failed send blocked subscriber")
			}
		})
	}
}

func TestNotifyTransientThenRetryDelivers(t *testing.T) {
	transport := &fakeTransport{err: errors.New("dial tcp: connection reset by peer")}
	d, dir, marker := setup(transport)
	post := testPost()
	ctx := context.Background()

	if got := d.Notify(ctx, subscriberID, post); got != OutcomeTransient {
		t.Fatalf("first Notify() = %v, want transient", got)
	}
	if len(post.NotifiedTo) != 0 || len(marker.marked) != 0 || len(dir.blocked) != 0 {
		t.Fatalf("transient failure changed state: notified_to=%v marked=%v blocked=%v",
			post.NotifiedTo, marker.marked, dir.blocked)
	}

	transport.mu.Lock()
	transport.err = nil
	transport.mu.Unlock()

	if got := d.Notify(ctx, subscriberID, post); got != OutcomeDelivered {
		t.Fatalf("retry Notify() = %v, want delivered", got)
	}
	if !slices.Equal(post.NotifiedTo, []int64{subscriberID}) {
		t.Errorf("NotifiedTo = %v, want [%d]", post.NotifiedTo, subscriberID)
	}
	if !slices.Equal(marker.marked[post.PostID], []int64{subscriberID}) {
		t.Errorf("stored notified_to = %v, want [%d]", marker.marked[post.PostID], subscriberID)
	}

	if got := d.Notify(ctx, subscriberID, post); got != OutcomeSkipped {
		t.Errorf("third Notify() = %v, want skipped", got)
	}
	if n := transport.count(); n != 1 {
		t.Errorf("sent %d messages, want 1", n)
	}
}

func TestNotifyBlockedPersistFailureIsTransient(t *testing.T) {
	transport := &fakeTransport{err: &rejection{desc: "Forbidden: bot was blocked by the user", blocked: true}}
	d, dir, _ := setup(transport)
	dir.blockErr = errors.New("bucket unavailable")

	if got := d.Notify(context.Background(), subscriberID, testPost()); got != OutcomeTransient {
		t.Errorf("Notify() = %v, want transient when the block cannot be saved", got)
	}
	if dir.subs[subscriberID].Blocked {
		t.Error("subscriber should not be marked blocked")
	}

	dir.blockErr = nil
	if got := d.Notify(context.Background(), subscriberID, testPost()); got != OutcomeSuppressed {
		t.Errorf("retry Notify() = %v, want suppressed", got)
	}
	if !dir.subs[subscriberID].Blocked {
		t.Error("subscriber should be marked blocked after retry")
	}
}

func TestNotifyPreconditions(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		post *forum.Post
		want Outcome
	}{
		{name: "unknown subscriber", id: 1, post: testPost(), want: OutcomeSkipped},
		{name: "mentions disabled", id: 7, post: testPost(), want: OutcomeSkipped},
		{name: "already blocked", id: 8, post: testPost(), want: OutcomeSkipped},
		{name: "already notified", id: subscriberID, post: &forum.Post{PostID: 1, NotifiedTo: []int64{subscriberID}}, want: OutcomeSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &fakeTransport{}
			d, _, _ := setup(transport)

			if got := d.Notify(context.Background(), tt.id, tt.post); got != tt.want {
				t.Errorf("Notify() = %v, want %v", got, tt.want)
			}
			if transport.count() != 0 {
				t.Errorf("sent %d messages, want none", transport.count())
			}
		})
	}
}

func TestNotifyDirectoryUnavailable(t *testing.T) {
	transport := &fakeTransport{}
	d, dir, _ := setup(transport)
	dir.getErr = errors.New("bucket unreachable")

	if got := d.Notify(context.Background(), subscriberID, testPost()); got != OutcomeTransient {
		t.Errorf("Notify() = %v, want transient", got)
	}
}

func TestNotifyPersistFailureStillDelivered(t *testing.T) {
	transport := &fakeTransport{}
	d, _, marker := setup(transport)
	marker.err = errors.New("db down")
	post := testPost()

	if got := d.Notify(context.Background(), subscriberID, post); got != OutcomeDelivered {
		t.Fatalf("Notify() = %v, want delivered", got)
	}
	if !post.WasNotified(subscriberID) {
		t.Error("in-memory notified set not updated")
	}
}

func TestClassify(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &rejection{blocked: true})
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeDelivered},
		{"plain", errors.New("EOF"), OutcomeTransient},
		{"deadline", context.DeadlineExceeded, OutcomeTransient},
		{"wrapped blocked", wrapped, OutcomeSuppressed},
		{"permanent", &rejection{}, OutcomePermanent},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMessage(t *testing.T) {
	got := Message(testPost(), "a < b & c")
	want := "You have been mentioned by <b>hal</b> in " +
		"<a href=\"https://bitcointalk.org/index.php?topic=99.msg555#msg555\">Re: Wallet &lt;help&gt;</a>\n" +
		"<pre>a &lt; b &amp; c</pre>"
	if got != want {
		t.Errorf("Message() =\n%q\nwant\n%q", got, want)
	}
}

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("abcde ", 40)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "plain",
			content: "hello   world",
			want:    "hello world",
		},
		{
			name:    "line breaks",
			content: "first<br>second<br/>third",
			want:    "first second third",
		},
		{
			name:    "quote removed",
			content: `<div class="quote">quoted text</div>my reply`,
			want:    "my reply",
		},
		{
			name:    "truncated",
			content: long,
			want:    strings.Join(strings.Fields(long), " ")[:150] + "...",
		},
		{
			name:    "exactly limit",
			content: strings.Repeat("x", 150),
			want:    strings.Repeat("x", 150),
		},
		{
			name:    "multibyte",
			content: strings.Repeat("é", 151),
			want:    strings.Repeat("é", 150) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Excerpt(tt.content); got != tt.want {
				t.Errorf("Excerpt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeSuppressed.String() != "suppressed" || Outcome(99).String() != "outcome(99)" {
		t.Error("unexpected Outcome.String()")
	}
}
