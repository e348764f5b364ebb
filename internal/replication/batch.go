package replication

import (
	"context"
	"sync"
	"time"
)

// BatchExecutor runs items in fixed-size batches. Items of a batch run
// concurrently; batches run in order with a random delay between them.
type BatchExecutor struct {
	Size     int
	MinDelay time.Duration
	MaxDelay time.Duration
	Rand     *Randomizer
}

// Run executes fn for every index in [0, n). Before each batch, check is
// called; a non-nil error stops the run and is returned.
func (b BatchExecutor) Run(ctx context.Context, n int, check func(ctx context.Context) error, fn func(ctx context.Context, i int)) error {
	size := b.Size
	if size <= 0 {
		size = 1
	}

	for start := 0; start < n; start += size {
		if start > 0 {
			if err := b.pause(ctx); err != nil {
				return err
			}
		}
		if check != nil {
			if err := check(ctx); err != nil {
				return err
			}
		}

		end := start + size
		if end > n {
			end = n
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				fn(ctx, i)
			}(i)
		}
		wg.Wait()
	}
	return nil
}

func (b BatchExecutor) pause(ctx context.Context) error {
	var d time.Duration
	if b.Rand != nil {
		d = b.Rand.Duration(b.MinDelay, b.MaxDelay)
	} else {
		d = b.MinDelay
	}
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
