// Package fanout runs a function over a slice with a cap on how many calls
// are in flight at once.
package fanout

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Map calls fn for every item using at most limit concurrent calls and
// returns the results in input order: results[i] belongs to items[i] no
// matter which call finished first.
//
// Workers share a cursor over items and claim the next index until the slice
// is exhausted. The first error returned by fn is returned unchanged and stops
// workers from claiming further items; slots that were never filled keep their
// zero value. Policy for tolerating per-item failures belongs to the caller,
// which can swallow errors inside fn.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}
	if limit <= 0 {
		limit = 1
	}
	workers := min(len(items), limit)

	var cursor atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				i := int(cursor.Add(1)) - 1
				if i >= len(items) {
					return nil
				}
				r, err := fn(gctx, items[i])
				if err != nil {
					return err
				}
				results[i] = r
			}
		})
	}

	return results, g.Wait()
}

// Each is Map for functions that produce no value.
func Each[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) error {
	_, err := Map(ctx, items, limit, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	return err
}
