package dispatch

import (
	"context"
	"time"
)

// Result holds one batch item's outcome. A failed item carries its error
// here instead of aborting the batch.
type Result[R any] struct {
	Value R
	Err   error
}

// RunBatch processes items strictly in order through q, inserting delay
// after each item except the last. Results are returned in input order.
// Per-item errors are captured per result; a context error stops the batch
// and marks the remaining items with ctx.Err().
func RunBatch[T, R any](ctx context.Context, q *Queue, items []T, delay time.Duration, fn func(ctx context.Context, item T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(items); j++ {
				results[j].Err = err
			}
			return results
		}

		// The op closure writes only this local. When Do returns an error the
		// op may still be running (queue closed, ctx canceled mid-flight), so
		// results must never be shared with it; the local is committed only
		// after a nil Do, which means the op has finished.
		i, item := i, item
		var v R
		err := q.Do(ctx, func(opCtx context.Context) error {
			got, err := fn(opCtx, item)
			if err != nil {
				return err
			}
			v = got
			return nil
		})
		if err == nil {
			results[i].Value = v
		}
		results[i].Err = err

		if delay > 0 && i < len(items)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}
	return results
}
