// Package scan runs the checkpointed address scan over newly ingested posts.
package scan

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"forumwatch/checkpoint"
	"forumwatch/extract"
	"forumwatch/metrics"
	"forumwatch/pkg/forum"
)

// DefaultKey is the checkpoint key of the address scan job.
const DefaultKey = "checkPostsAddresses:lastId"

// DefaultBatchSize is the number of posts fetched per cycle.
const DefaultBatchSize = 150

var (
	// ErrAlreadyRunning is returned when a cycle is triggered while another is in progress.
	ErrAlreadyRunning = errors.New("scan already running")
	// ErrFetch means the post source failed; the checkpoint was not moved.
	ErrFetch = errors.New("fetch posts")
	// ErrOutOfOrder means the source returned posts not strictly ascending past the checkpoint.
	ErrOutOfOrder = errors.New("posts out of order")
	// ErrMerge means the address index write failed; the checkpoint was not moved.
	ErrMerge = errors.New("merge addresses")
	// ErrMarkChecked means posts could not be flagged as checked; the checkpoint was not moved.
	ErrMarkChecked = errors.New("mark posts checked")
	// ErrCheckpointWrite means the batch was merged but the checkpoint could not be saved.
	// The next cycle replays the batch, which the union merge absorbs.
	ErrCheckpointWrite = errors.New("save checkpoint")
)

// PostSource reads posts after a position and records that they were scanned.
type PostSource interface {
	FetchPosts(ctx context.Context, after int64, limit int, order forum.Order) ([]forum.Post, error)
	MarkChecked(ctx context.Context, ids []int64) error
}

// Floor supplies the starting position when no checkpoint exists.
type Floor interface {
	LatestIndexedPostID(ctx context.Context) (int64, error)
}

// Merger writes a batch of mentions into the address index.
type Merger interface {
	Merge(ctx context.Context, mentions iter.Seq[forum.Mention]) (int, error)
}

// Config holds scan settings.
type Config struct {
	Key       string
	BatchSize int
	// Timeout bounds a whole cycle. Zero means no limit.
	Timeout time.Duration
	// TTL is passed to the checkpoint store. Zero keeps the checkpoint forever.
	TTL time.Duration
}

// Result describes one completed cycle.
type Result struct {
	From      int64 // Checkpoint before the cycle
	To        int64 // Checkpoint after the cycle
	Posts     int
	Addresses int
}

// Coordinator runs scan cycles. Only one cycle runs at a time.
type Coordinator struct {
	source     PostSource
	floor      Floor
	merger     Merger
	checkpoint checkpoint.Store
	logger     *slog.Logger
	cfg        Config
	running    sync.Mutex
}

// New creates a new scan coordinator.
func New(cfg Config, source PostSource, floor Floor, merger Merger, store checkpoint.Store, logger *slog.Logger) *Coordinator {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Coordinator{
		source:     source,
		floor:      floor,
		merger:     merger,
		checkpoint: store,
		logger:     logger.With("job", cfg.Key),
		cfg:        cfg,
	}
}

// RunOnce performs a single cycle: load the checkpoint, fetch the next batch,
// merge its addresses, mark the posts checked and advance the checkpoint to
// the last fetched post. A cycle that fails before the final step leaves the
// checkpoint where it was. If a cycle is already running, RunOnce returns
// ErrAlreadyRunning without waiting.
func (c *Coordinator) RunOnce(ctx context.Context) (Result, error) {
	if !c.running.TryLock() {
		c.logger.Info("Scan already running, skipping trigger")
		metrics.ScanCycles.WithLabelValues("skipped").Inc()
		return Result{}, ErrAlreadyRunning
	}
	defer c.running.Unlock()

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	res, err := c.cycle(ctx)
	switch {
	case err != nil:
		metrics.ScanCycles.WithLabelValues("error").Inc()
	case res.Posts == 0:
		metrics.ScanCycles.WithLabelValues("empty").Inc()
	default:
		metrics.ScanCycles.WithLabelValues("ok").Inc()
	}
	return res, err
}

func (c *Coordinator) cycle(ctx context.Context) (Result, error) {
	from, err := c.position(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{From: from, To: from}

	posts, err := c.source.FetchPosts(ctx, from, c.cfg.BatchSize, forum.Ascending)
	if err != nil {
		c.logger.Warn("Post fetch failed, checkpoint unchanged", "position", from, "error", err)
		return res, fmt.Errorf("%w after %d: %w", ErrFetch, from, err)
	}
	if len(posts) == 0 {
		c.logger.Debug("No new posts", "position", from)
		return res, nil
	}
	if err := ascending(posts, from); err != nil {
		c.logger.Error("Post source returned unordered batch, checkpoint unchanged", "position", from, "error", err)
		return res, err
	}

	res.Posts = len(posts)
	metrics.PostsScanned.Add(float64(len(posts)))

	merged, err := c.merger.Merge(ctx, mentions(posts))
	if err != nil {
		c.logger.Warn("Address merge failed, checkpoint unchanged", "position", from, "posts", len(posts), "error", err)
		return res, fmt.Errorf("%w for posts %d..%d: %w", ErrMerge, posts[0].PostID, posts[len(posts)-1].PostID, err)
	}
	res.Addresses = merged
	metrics.AddressesMerged.Add(float64(merged))

	ids := make([]int64, len(posts))
	for i := range posts {
		ids[i] = posts[i].PostID
	}
	if err := c.source.MarkChecked(ctx, ids); err != nil {
		c.logger.Warn("Marking posts checked failed, checkpoint unchanged", "position", from, "error", err)
		return res, fmt.Errorf("%w: %w", ErrMarkChecked, err)
	}

	last := posts[len(posts)-1].PostID
	if err := c.checkpoint.Save(ctx, c.cfg.Key, last, c.cfg.TTL); err != nil {
		c.logger.Error("Checkpoint write failed after merge, batch is safe to replay",
			"position", from,
			"last_post_id", last,
			"addresses", merged,
			"error", err)
		return res, fmt.Errorf("%w at %d: %w", ErrCheckpointWrite, last, err)
	}
	res.To = last
	metrics.Checkpoint.WithLabelValues(c.cfg.Key).Set(float64(last))

	c.logger.Info("Scan cycle completed",
		"from", from,
		"to", last,
		"posts", len(posts),
		"addresses", merged)
	return res, nil
}

// position loads the checkpoint, falling back to the newest post already in
// the address index so a lost checkpoint never triggers a full replay.
func (c *Coordinator) position(ctx context.Context) (int64, error) {
	var last int64
	found, err := c.checkpoint.Load(ctx, c.cfg.Key, &last)
	if err != nil {
		c.logger.Warn("Checkpoint read failed", "error", err)
		return 0, fmt.Errorf("load checkpoint %s: %w", c.cfg.Key, err)
	}
	if found && last > 0 {
		return last, nil
	}

	floor, err := c.floor.LatestIndexedPostID(ctx)
	if err != nil {
		c.logger.Warn("Index floor lookup failed", "error", err)
		return 0, fmt.Errorf("%w: latest indexed post: %w", ErrFetch, err)
	}
	c.logger.Info("No checkpoint, starting from index floor", "position", floor)
	return floor, nil
}

// Run executes a cycle immediately and then once per interval until ctx is
// done. Cycle errors are logged and do not stop the loop.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Scan loop started", "interval", interval.String())
	for {
		if _, err := c.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			c.logger.Error("Scan cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Scan loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func ascending(posts []forum.Post, after int64) error {
	prev := after
	for i := range posts {
		if posts[i].PostID <= prev {
			return fmt.Errorf("%w: post %d at index %d does not follow %d", ErrOutOfOrder, posts[i].PostID, i, prev)
		}
		prev = posts[i].PostID
	}
	return nil
}

func mentions(posts []forum.Post) iter.Seq[forum.Mention] {
	return func(yield func(forum.Mention) bool) {
		for i := range posts {
			for m := range extract.Post(&posts[i]) {
				if !yield(m) {
					return
				}
			}
		}
	}
}
