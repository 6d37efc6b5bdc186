package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forumwatch/pkg/forum"

	"github.com/codeGROOVE-dev/retry"
)

// ErrConflict is returned by a VersionedIndex when the record changed between
// read and write.
var ErrConflict = errors.New("address record changed concurrently")

// VersionedIndex is a store without native union-on-conflict. Each record
// carries a version that CompareAndSwap checks before writing; version 0
// means "create, must not exist".
type VersionedIndex interface {
	Get(ctx context.Context, address string) (rec forum.Address, version int64, err error)
	CompareAndSwap(ctx context.Context, rec forum.Address, version int64) error
}

// ReadMergeWrite adapts a VersionedIndex to Index by reading each record,
// unioning in memory and writing back, retrying when another writer got
// there first. The merged state is the same as with a native union upsert.
type ReadMergeWrite struct {
	store    VersionedIndex
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// NewReadMergeWrite creates an Index over a store lacking atomic set union.
func NewReadMergeWrite(store VersionedIndex, logger *slog.Logger) *ReadMergeWrite {
	return &ReadMergeWrite{
		store:    store,
		logger:   logger,
		attempts: 5,
		delay:    50 * time.Millisecond,
	}
}

// UpsertUnion merges every record, one optimistic transaction per address.
func (r *ReadMergeWrite) UpsertUnion(ctx context.Context, records []forum.Address) error {
	for _, rec := range records {
		if err := r.upsert(ctx, rec); err != nil {
			return fmt.Errorf("merge %s: %w", rec.Address, err)
		}
	}
	return nil
}

func (r *ReadMergeWrite) upsert(ctx context.Context, rec forum.Address) error {
	return retry.Do(
		func() error {
			current, version, err := r.store.Get(ctx, rec.Address)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("read record: %w", err))
			}
			if err := r.store.CompareAndSwap(ctx, Union(current, rec), version); err != nil {
				if errors.Is(err, ErrConflict) {
					return err
				}
				return retry.Unrecoverable(fmt.Errorf("write record: %w", err))
			}
			return nil
		},
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.MaxJitter(r.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Info("Retrying address merge after conflict", "attempt", n, "address", rec.Address, "error", err)
		}),
	)
}
