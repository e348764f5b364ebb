package replication

import (
	"context"
	"errors"
	"sync"

	"copytrade-engine/pkg/models"

	"github.com/sirupsen/logrus"
)

// sweepBatch bounds how many running transactions one sweep looks at
const sweepBatch = 200

// Enqueue schedules txID for replication. An id stays claimed from here
// until its run returns; enqueueing it again in that window only books one
// more run once the current one is done.
func (e *Engine) Enqueue(txID string) error {
	e.inflightMu.Lock()
	if _, claimed := e.inflight[txID]; claimed {
		e.inflight[txID] = true
		e.inflightMu.Unlock()
		return nil
	}
	e.inflight[txID] = false
	e.inflightMu.Unlock()

	select {
	case e.queue <- txID:
		return nil
	default:
		e.inflightMu.Lock()
		delete(e.inflight, txID)
		e.inflightMu.Unlock()
		e.log.WithField("tx_id", txID).Warn("Replication queue full, leaving transaction to the sweep")
		return ErrQueueFull
	}
}

// Run consumes the queue with the given number of workers until ctx is done
func (e *Engine) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id)
		}(i)
	}

	e.log.WithField("workers", workers).Info("Replication workers started")
	wg.Wait()
	e.log.Info("Replication workers stopped")
}

func (e *Engine) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case txID := <-e.queue:
			if err := e.Replicate(ctx, txID); err != nil && !errors.Is(err, context.Canceled) {
				e.log.WithFields(logrus.Fields{"worker": id, "tx_id": txID}).WithError(err).Warn("Replication run ended with error")
			}
			if e.release(txID) && ctx.Err() == nil {
				_ = e.Enqueue(txID)
			}
		}
	}
}

// release drops the claim on txID and reports whether another run was
// asked for while it was held
func (e *Engine) release(txID string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	again := e.inflight[txID]
	delete(e.inflight, txID)
	return again
}

// busy reports whether txID is queued or replicating in this process
func (e *Engine) busy(txID string) bool {
	if _, running := e.active.Load(txID); running {
		return true
	}
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, claimed := e.inflight[txID]
	return claimed
}

// Sweep re-enqueues running transactions that are ready but were dropped,
// e.g. after a restart or a full queue. Transactions this process is
// already handling are left alone. Limit transactions are only picked up
// once their origin order executed; until then the matcher owns them.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	txs, err := e.store.ListRunningTransactions(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, tx := range txs {
		if e.busy(tx.ID) {
			continue
		}
		if tx.OrderKind == models.OrderKindLimit {
			if tx.LinkedOriginOrderID == "" {
				continue
			}
			order, err := e.store.GetOrder(ctx, tx.LinkedOriginOrderID)
			if err != nil || order.Status == models.OrderStatusPending {
				continue
			}
		}
		if err := e.Enqueue(tx.ID); err != nil {
			break
		}
		enqueued++
	}
	return enqueued, nil
}
