// Package pool runs a bounded number of tasks in parallel with per-item
// timeouts. Crawling and batch research calls are built on it.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docforge/internal/faults"
	"docforge/internal/telemetry"
)

// Options controls how a batch is executed.
type Options struct {
	// Concurrency caps how many workers run simultaneously. Values < 1 fall
	// back to 1.
	Concurrency int
	// ItemTimeout bounds each item independently. Zero means no per-item
	// deadline beyond the parent context.
	ItemTimeout time.Duration
	// OnProgress fires after every settlement with a monotonically
	// non-decreasing completed count.
	OnProgress func(completed, total int)
}

// Result is the settled outcome of one item. Exactly one of Value/Err is
// meaningful; Err wraps faults.ErrTimeout when the item's deadline fired.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Ok reports whether the item settled successfully.
func (r Result[R]) Ok() bool { return r.Err == nil }

// Run executes worker over items with at most opts.Concurrency in flight.
// Results are returned settled, in input order; one item's failure or
// timeout never aborts its siblings. A worker that ignores its context is
// abandoned once the per-item deadline fires so the pool never blocks on a
// hung call.
func Run[T, R any](ctx context.Context, items []T, worker func(ctx context.Context, item T) (R, error), opts Options) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)

	settle := func(i int, value R, err error) {
		results[i] = Result[R]{Index: i, Value: value, Err: err}
		mu.Lock()
		completed++
		done := completed
		mu.Unlock()
		if opts.OnProgress != nil {
			opts.OnProgress(done, len(items))
		}
	}

	for i := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			var zero R
			settle(i, zero, fmt.Errorf("item %d not started: %w", i, ctx.Err()))
			continue
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()

			itemCtx := ctx
			cancel := context.CancelFunc(func() {})
			if opts.ItemTimeout > 0 {
				itemCtx, cancel = context.WithTimeout(ctx, opts.ItemTimeout)
			}
			defer cancel()

			type outcome struct {
				value R
				err   error
			}
			ch := make(chan outcome, 1)
			go func() {
				v, err := worker(itemCtx, item)
				ch <- outcome{value: v, err: err}
			}()

			select {
			case out := <-ch:
				settle(i, out.value, out.err)
			case <-itemCtx.Done():
				var zero R
				if opts.ItemTimeout > 0 && ctx.Err() == nil {
					telemetry.PoolTimeouts.Inc()
					settle(i, zero, fmt.Errorf("item %d after %s: %w", i, opts.ItemTimeout, faults.ErrTimeout))
				} else {
					settle(i, zero, fmt.Errorf("item %d: %w", i, ctx.Err()))
				}
			}
		}(i, items[i])
	}

	wg.Wait()
	return results
}
