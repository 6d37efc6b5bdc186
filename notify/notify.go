// Package notify delivers mention notifications to subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"time"

	"forumwatch/metrics"
	"forumwatch/pkg/forum"
)

// Outcome is the result of one notification attempt.
type Outcome int

const (
	// OutcomeSkipped means a precondition failed and nothing was sent.
	OutcomeSkipped Outcome = iota
	// OutcomeDelivered means the transport accepted the message.
	OutcomeDelivered
	// OutcomeSuppressed means the recipient blocked the bot and is now marked blocked.
	OutcomeSuppressed
	// OutcomeTransient means the send failed without a definitive answer; a later sweep retries it.
	OutcomeTransient
	// OutcomePermanent means the transport rejected the message for another reason.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Rejection is a structured refusal from the transport.
type Rejection interface {
	error
	// Blocked reports that the recipient blocked the bot or no longer exists.
	Blocked() bool
	// Retryable reports that the provider asked to try again later.
	Retryable() bool
}

// Directory reads subscribers and records blocked recipients.
type Directory interface {
	Get(ctx context.Context, telegramID int64) (*forum.Subscriber, error)
	SetBlocked(ctx context.Context, telegramID int64) error
}

// PostMarker records which subscribers were notified about a post.
type PostMarker interface {
	AddNotifiedTo(ctx context.Context, postID, subscriberID int64) error
}

// Transport sends an HTML message to a chat.
type Transport interface {
	Send(ctx context.Context, chatID int64, html string) error
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Config holds dispatcher dependencies.
type Config struct {
	Directory  Directory
	Posts      PostMarker
	Transport  Transport
	Logger     *slog.Logger
	IsNotFound IsNotFound
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

// Dispatcher sends one notification per (subscriber, post) and keeps the
// post's notified set and the subscriber's blocked flag up to date.
type Dispatcher struct {
	directory   Directory
	posts       PostMarker
	transport   Transport
	logger      *slog.Logger
	isNotFound  IsNotFound
	sendTimeout time.Duration
	mu          sync.Mutex // Guards Post.NotifiedTo across concurrent calls
}

// New creates a new dispatcher.
func New(cfg *Config) *Dispatcher {
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(error) bool { return false }
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		directory:   cfg.Directory,
		posts:       cfg.Posts,
		transport:   cfg.Transport,
		logger:      cfg.Logger,
		isNotFound:  isNotFound,
		sendTimeout: timeout,
	}
}

// Notify tells subscriberID that post mentions them. It never returns an
// error: every failure is classified into an Outcome and logged.
func (d *Dispatcher) Notify(ctx context.Context, subscriberID int64, post *forum.Post) Outcome {
	outcome := d.notify(ctx, subscriberID, post)
	metrics.Notifications.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (d *Dispatcher) notify(ctx context.Context, subscriberID int64, post *forum.Post) Outcome {
	log := d.logger.With("subscriber_id", subscriberID, "post_id", post.PostID)

	sub, err := d.directory.Get(ctx, subscriberID)
	if err != nil {
		if d.isNotFound(err) {
			log.Debug("Unknown subscriber, skipping")
			return OutcomeSkipped
		}
		log.Warn("Subscriber lookup failed", "error", err)
		return OutcomeTransient
	}
	if !sub.EnableMentions || sub.Blocked {
		log.Debug("Subscriber not accepting mentions, skipping", "enabled", sub.EnableMentions, "blocked", sub.Blocked)
		return OutcomeSkipped
	}
	if d.wasNotified(post, subscriberID) {
		log.Debug("Already notified, skipping")
		return OutcomeSkipped
	}

	msg := Message(post, Excerpt(post.Content))

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	err = d.transport.Send(sendCtx, subscriberID, msg)
	cancel()

	if err == nil {
		d.markNotified(ctx, log, post, subscriberID)
		log.Info("Mention notification sent")
		return OutcomeDelivered
	}

	outcome := Classify(err)
	switch outcome {
	case OutcomeSuppressed:
		log.Info("Subscriber blocked the bot, marking blocked", "error", err)
		if err := d.directory.SetBlocked(ctx, subscriberID); err != nil {
			// Unpersisted block: leave the post for the next sweep.
			log.Error("Failed to mark subscriber blocked", "error", err)
			return OutcomeTransient
		}
	case OutcomePermanent:
		log.Error("Mention notification rejected", "error", err)
	default:
		log.Warn("Mention notification failed, will retry on next sweep", "error", err)
	}
	return outcome
}

// Classify maps a transport error to an outcome. Errors without a structured
// rejection (network errors, timeouts) are transient.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeDelivered
	}
	var rej Rejection
	if !errors.As(err, &rej) {
		return OutcomeTransient
	}
	switch {
	case rej.Blocked():
		return OutcomeSuppressed
	case rej.Retryable():
		return OutcomeTransient
	default:
		return OutcomePermanent
	}
}

func (d *Dispatcher) wasNotified(post *forum.Post, subscriberID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return post.WasNotified(subscriberID)
}

// markNotified persists and records the delivery. A persistence failure is
// logged; the in-memory record still prevents a resend in this process.
func (d *Dispatcher) markNotified(ctx context.Context, log *slog.Logger, post *forum.Post, subscriberID int64) {
	if err := d.posts.AddNotifiedTo(ctx, post.PostID, subscriberID); err != nil {
		log.Error("Failed to record notified subscriber", "error", err)
	}

	d.mu.Lock()
	if !post.WasNotified(subscriberID) {
		post.NotifiedTo = append(post.NotifiedTo, subscriberID)
	}
	d.mu.Unlock()
}

// Message renders the notification text in Telegram HTML.
func Message(post *forum.Post, excerpt string) string {
	return fmt.Sprintf("You have been mentioned by <b>%s</b> in <a href=\"%s\">%s</a>\n<pre>%s</pre>",
		html.EscapeString(post.Author),
		html.EscapeString(post.URL()),
		html.EscapeString(post.Title),
		html.EscapeString(excerpt))
}
