// Package aggregate merges extracted address mentions into the address index.
package aggregate

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"

	"forumwatch/pkg/forum"
)

// Index is the address index backing store. UpsertUnion must create missing
// records and set-union the three sets of existing ones in a single atomic
// step per address.
type Index interface {
	UpsertUnion(ctx context.Context, records []forum.Address) error
}

// Aggregator turns a batch of mentions into one union-upsert.
type Aggregator struct {
	index  Index
	logger *slog.Logger
}

// New creates a new aggregator.
func New(index Index, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		index:  index,
		logger: logger,
	}
}

// Merge groups mentions by address and writes them with a single UpsertUnion
// call. It never reads the stored state, so applying the same batch twice
// yields the same index as applying it once. Returns the number of distinct
// addresses written.
func (a *Aggregator) Merge(ctx context.Context, mentions iter.Seq[forum.Mention]) (int, error) {
	records := Group(mentions)
	if len(records) == 0 {
		return 0, nil
	}

	if err := a.index.UpsertUnion(ctx, records); err != nil {
		return 0, fmt.Errorf("upsert %d addresses: %w", len(records), err)
	}

	a.logger.Debug("Addresses merged", "count", len(records))
	return len(records), nil
}

// Group folds mentions into one record per address. Records come back sorted
// by address with sorted, de-duplicated sets, so the result does not depend
// on mention order.
func Group(mentions iter.Seq[forum.Mention]) []forum.Address {
	byAddr := make(map[string]*forum.Address)
	for m := range mentions {
		rec, ok := byAddr[m.Address]
		if !ok {
			rec = &forum.Address{Address: m.Address}
			byAddr[m.Address] = rec
		}
		rec.PostsID = append(rec.PostsID, m.PostID)
		if m.Author != "" {
			rec.Authors = append(rec.Authors, m.Author)
		}
		if m.AuthorUID != 0 {
			rec.AuthorsUID = append(rec.AuthorsUID, m.AuthorUID)
		}
	}

	records := make([]forum.Address, 0, len(byAddr))
	for _, addr := range slices.Sorted(maps.Keys(byAddr)) {
		rec := byAddr[addr]
		records = append(records, forum.Address{
			Address:    rec.Address,
			PostsID:    set(rec.PostsID),
			Authors:    set(rec.Authors),
			AuthorsUID: set(rec.AuthorsUID),
		})
	}
	return records
}

// Union returns the set union of two records for the same address. Either
// side may be the zero record.
func Union(a, b forum.Address) forum.Address {
	addr := a.Address
	if addr == "" {
		addr = b.Address
	}
	return forum.Address{
		Address:    addr,
		PostsID:    set(slices.Concat(a.PostsID, b.PostsID)),
		Authors:    set(slices.Concat(a.Authors, b.Authors)),
		AuthorsUID: set(slices.Concat(a.AuthorsUID, b.AuthorsUID)),
	}
}

func set[T cmp.Ordered](s []T) []T {
	if len(s) == 0 {
		return []T{}
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
