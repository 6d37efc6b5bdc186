// Package sweep finds recent posts that mention subscribers and dispatches
// their notifications.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forumwatch/metrics"
	"forumwatch/notify"
	"forumwatch/pkg/forum"

	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned when a sweep is triggered while another is in progress.
var ErrAlreadyRunning = errors.New("sweep already running")

// PostFeed lists recent posts still awaiting notification and marks them done.
type PostFeed interface {
	LatestUnnotifiedPosts(ctx context.Context, window time.Duration, limit int) ([]forum.Post, error)
	MarkNotified(ctx context.Context, postID int64) error
}

// Audience lists subscribers who accept mention notifications.
type Audience interface {
	WithMentions(ctx context.Context) ([]*forum.Subscriber, error)
}

// Dispatcher sends one notification.
type Dispatcher interface {
	Notify(ctx context.Context, subscriberID int64, post *forum.Post) notify.Outcome
}

// Config holds sweep settings.
type Config struct {
	Window      time.Duration
	Limit       int
	Concurrency int
	Timeout     time.Duration
}

// Result summarises one sweep.
type Result struct {
	Outcomes map[notify.Outcome]int
	Posts    int
	Pairs    int
	Marked   int
}

// Sweeper runs notification sweeps. Only one sweep runs at a time.
type Sweeper struct {
	feed       PostFeed
	audience   Audience
	dispatcher Dispatcher
	matcher    Matcher
	logger     *slog.Logger
	cfg        Config
	running    sync.Mutex
}

// New creates a new sweeper. A nil matcher means UsernameMatcher.
func New(cfg Config, feed PostFeed, audience Audience, dispatcher Dispatcher, matcher Matcher, logger *slog.Logger) *Sweeper {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if matcher == nil {
		matcher = UsernameMatcher{}
	}
	return &Sweeper{
		feed:       feed,
		audience:   audience,
		dispatcher: dispatcher,
		matcher:    matcher,
		logger:     logger.With("job", "mentions"),
		cfg:        cfg,
	}
}

// RunOnce dispatches every (post, subscriber) mention in the recent window.
// Sends run concurrently and independently; a post is marked notified only
// when none of its sends failed transiently, so the next sweep retries them.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	if !s.running.TryLock() {
		s.logger.Info("Sweep already running, skipping trigger")
		metrics.SweepCycles.WithLabelValues("skipped").Inc()
		return Result{}, ErrAlreadyRunning
	}
	defer s.running.Unlock()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	res, err := s.sweep(ctx)
	if err != nil {
		metrics.SweepCycles.WithLabelValues("error").Inc()
	} else {
		metrics.SweepCycles.WithLabelValues("ok").Inc()
	}
	return res, err
}

func (s *Sweeper) sweep(ctx context.Context) (Result, error) {
	res := Result{Outcomes: make(map[notify.Outcome]int)}

	posts, err := s.feed.LatestUnnotifiedPosts(ctx, s.cfg.Window, s.cfg.Limit)
	if err != nil {
		return res, fmt.Errorf("list unnotified posts: %w", err)
	}
	res.Posts = len(posts)
	if len(posts) == 0 {
		return res, nil
	}

	subs, err := s.audience.WithMentions(ctx)
	if err != nil {
		return res, fmt.Errorf("list subscribers: %w", err)
	}

	// Match everything before dispatching: Notify appends to NotifiedTo.
	type pair struct {
		post int
		sub  int64
	}
	var pairs []pair
	for i := range posts {
		parsed := Parse(&posts[i])
		for _, sub := range subs {
			if posts[i].WasNotified(sub.TelegramID) || !s.matcher.Mentions(parsed, sub) {
				continue
			}
			pairs = append(pairs, pair{post: i, sub: sub.TelegramID})
		}
	}
	res.Pairs = len(pairs)

	var (
		mu        sync.Mutex
		transient = make([]bool, len(posts))
		g         errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for _, p := range pairs {
		g.Go(func() error {
			outcome := s.dispatcher.Notify(ctx, p.sub, &posts[p.post])

			mu.Lock()
			res.Outcomes[outcome]++
			if outcome == notify.OutcomeTransient {
				transient[p.post] = true
			}
			mu.Unlock()
			return nil
		})
	}
	// Goroutines never return errors; each recipient is isolated.
	_ = g.Wait()

	for i := range posts {
		if transient[i] {
			s.logger.Info("Post has transient failures, leaving for next sweep", "post_id", posts[i].PostID)
			continue
		}
		if err := s.feed.MarkNotified(ctx, posts[i].PostID); err != nil {
			s.logger.Warn("Failed to mark post notified", "post_id", posts[i].PostID, "error", err)
			continue
		}
		res.Marked++
	}

	s.logger.Info("Sweep completed",
		"posts", res.Posts,
		"subscribers", len(subs),
		"pairs", res.Pairs,
		"delivered", res.Outcomes[notify.OutcomeDelivered],
		"suppressed", res.Outcomes[notify.OutcomeSuppressed],
		"transient", res.Outcomes[notify.OutcomeTransient],
		"permanent", res.Outcomes[notify.OutcomePermanent],
		"marked", res.Marked)
	return res, nil
}

// Run executes a sweep immediately and then once per interval until ctx is
// done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Sweep loop started", "interval", interval.String())
	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error("Sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Sweep loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}
