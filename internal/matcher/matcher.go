// Package matcher fills resting limit orders and releases pending limit
// replications when a price update crosses them.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/venue"
	"copytrade-engine/pkg/config"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Submit when the update queue is full
var ErrQueueFull = errors.New("matcher queue is full")

// orderbookLockTTL covers a full pass including venue failover
const orderbookLockTTL = 2 * time.Minute

// Replicator queues master transactions for replication
type Replicator interface {
	Enqueue(txID string) error
}

// Locker runs fn while holding a keyed lock
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// SwapExecutor executes one swap with venue failover
type SwapExecutor interface {
	Execute(ctx context.Context, token string, req venue.SwapRequest) (*venue.Execution, error)
}

// PriceUpdate is one price tick for a token
type PriceUpdate struct {
	Token     string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Result summarises one pass over a token's order book
type Result struct {
	Token        string
	Price        decimal.Decimal
	Matched      int
	Executed     int
	Failed       int
	Transactions []string
	// Skipped is set when the index showed nothing could match
	Skipped bool
}

// Deps are the collaborators of the matcher
type Deps struct {
	Store      storage.Store
	Locks      Locker
	Venues     SwapExecutor
	Replicator Replicator
	Events     events.Publisher
	Index      *Index
}

// Matcher processes price updates
type Matcher struct {
	store      storage.Store
	locks      Locker
	venues     SwapExecutor
	replicator Replicator
	events     events.Publisher
	index      *Index

	queue chan PriceUpdate
	log   *logrus.Entry
}

// OrderTriggered reports whether price p fills r: buys at or below their
// price, sells at or above
func OrderTriggered(r models.RestingOrder, p decimal.Decimal) bool {
	return models.PriceCrossed(r.Side, r.Price, p)
}

// TransactionTriggered applies the same predicate to a pending limit
// master transaction
func TransactionTriggered(tx models.MasterTransaction, p decimal.Decimal) bool {
	if tx.Status != models.TxStatusRunning || tx.OrderKind != models.OrderKindLimit {
		return false
	}
	return models.PriceCrossed(tx.TradeType, tx.Price, p)
}

// New creates a matcher
func New(cfg config.MatcherConfig, deps Deps) *Matcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	return &Matcher{
		store:      deps.Store,
		locks:      deps.Locks,
		venues:     deps.Venues,
		replicator: deps.Replicator,
		events:     deps.Events,
		index:      deps.Index,
		queue:      make(chan PriceUpdate, cfg.QueueSize),
		log:        logrus.WithField("component", "matcher"),
	}
}

// Index returns the price level index, nil when disabled
func (m *Matcher) Index() *Index {
	return m.index
}

// Rebuild reloads the price level index from storage
func (m *Matcher) Rebuild(ctx context.Context) error {
	if m.index == nil {
		return nil
	}
	n, err := m.index.Rebuild(func() ([]models.RestingOrder, error) {
		return m.store.ListAllRestingOrders(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to load order book: %w", err)
	}
	m.log.WithField("orders", n).Info("Order book index rebuilt")
	return nil
}

// Submit queues an update without blocking the price feed
func (m *Matcher) Submit(u PriceUpdate) error {
	select {
	case m.queue <- u:
		return nil
	default:
		m.log.WithField("token", u.Token).Warn("Matcher queue full, dropping price update")
		return ErrQueueFull
	}
}

// Run processes queued updates with the given number of workers until ctx
// is done
func (m *Matcher) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case u := <-m.queue:
					if _, err := m.HandlePrice(ctx, u.Token, u.Price); err != nil && !errors.Is(err, context.Canceled) {
						m.log.WithField("token", u.Token).WithError(err).Warn("Price update not processed")
					}
				}
			}
		}()
	}

	m.log.WithField("workers", workers).Info("Matcher workers started")
	wg.Wait()
	m.log.Info("Matcher workers stopped")
}

// HandlePrice fills every resting order of token crossed by price and
// queues the limit master transactions it triggers. Order book mutation
// runs under the token's lock; the queueing happens after it is released.
func (m *Matcher) HandlePrice(ctx context.Context, token string, price decimal.Decimal) (*Result, error) {
	res := &Result{Token: token, Price: price}
	if !price.IsPositive() {
		return res, fmt.Errorf("invalid price %s for %s", price, token)
	}
	if m.index != nil && !m.index.MightMatch(token, price) {
		res.Skipped = true
		return res, nil
	}

	err := m.locks.WithLock(ctx, "orderbook:"+token, orderbookLockTTL, func(ctx context.Context) error {
		return m.process(ctx, res)
	})
	if err != nil {
		return res, err
	}

	for _, id := range res.Transactions {
		if err := m.replicator.Enqueue(id); err != nil {
			m.log.WithField("tx_id", id).WithError(err).Warn("Failed to queue triggered transaction")
		}
	}

	m.events.Publish(ctx, events.TopicOrderbookProcessed, events.OrderbookProcessed{
		Token:        token,
		Price:        price,
		Matched:      res.Matched,
		Executed:     res.Executed,
		Failed:       res.Failed,
		Transactions: len(res.Transactions),
	})
	if res.Matched > 0 || len(res.Transactions) > 0 {
		m.log.WithFields(logrus.Fields{
			"token":        token,
			"price":        price.String(),
			"matched":      res.Matched,
			"executed":     res.Executed,
			"failed":       res.Failed,
			"transactions": len(res.Transactions),
		}).Info("Order book processed")
	}
	return res, nil
}

func (m *Matcher) process(ctx context.Context, res *Result) error {
	rows, err := m.store.ListRestingOrders(ctx, res.Token)
	if err != nil {
		return fmt.Errorf("failed to load order book: %w", err)
	}

	for _, r := range rows {
		if !OrderTriggered(r, res.Price) {
			continue
		}
		res.Matched++
		status, err := m.fill(ctx, r, res.Price)
		if err != nil {
			return err
		}
		switch status {
		case models.OrderStatusExecuted:
			res.Executed++
		case models.OrderStatusFailed:
			res.Failed++
		}
	}

	txs, err := m.store.ListPendingLimitTransactions(ctx, res.Token)
	if err != nil {
		return fmt.Errorf("failed to load pending transactions: %w", err)
	}
	for _, tx := range txs {
		if TransactionTriggered(tx, res.Price) {
			res.Transactions = append(res.Transactions, tx.ID)
		}
	}
	return nil
}

// fill executes one resting order in full and returns the parent order's
// new status, empty for rows whose parent is no longer pending. The resting
// row is removed whatever the outcome; only storage errors are returned.
func (m *Matcher) fill(ctx context.Context, r models.RestingOrder, price decimal.Decimal) (models.OrderStatus, error) {
	order, err := m.store.GetOrder(ctx, r.ParentOrderID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to load order %s: %w", r.ParentOrderID, err)
	}
	if order == nil || order.Status != models.OrderStatusPending {
		return "", m.removeResting(ctx, r)
	}

	var (
		exec    *venue.Execution
		swapErr error
	)
	account, err := m.store.GetAccount(ctx, order.AccountID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		swapErr = fmt.Errorf("account %d not found", order.AccountID)
	case err != nil:
		return "", fmt.Errorf("failed to load account %d: %w", order.AccountID, err)
	default:
		req := venue.SwapRequest{
			SigningKey:      account.SigningKeyRef,
			FromAsset:       order.QuoteAsset,
			ToAsset:         order.TokenAddress,
			Amount:          r.Quantity,
			SlippagePercent: order.Slippage,
			Options:         venue.Options{PreferredVenue: order.Venue},
		}
		if r.Side == models.SideSell {
			req.FromAsset, req.ToAsset = order.TokenAddress, order.QuoteAsset
		}
		exec, swapErr = m.venues.Execute(ctx, order.TokenAddress, req)
	}

	now := time.Now().UTC()
	order.PriceMatching = price
	order.ExecutedAt = &now
	payload := events.OrderResult{
		OrderID:   order.ID,
		AccountID: order.AccountID,
		Token:     order.TokenAddress,
		Side:      string(order.Side),
		Price:     price,
	}
	if swapErr != nil {
		order.Status = models.OrderStatusFailed
		order.Message = venue.FriendlyMessage(swapErr)
		if exec != nil && len(exec.Attempts) > 0 {
			order.Venue = exec.Attempts[len(exec.Attempts)-1].Venue
		}
		payload.Message = order.Message
	} else {
		order.Status = models.OrderStatusExecuted
		order.TxHash = exec.Result.Signature
		order.Venue = exec.Result.VenueUsed
		order.OutputAmount = exec.Result.OutputAmount
		order.Message = "via " + exec.Result.VenueUsed
		payload.TxHash = order.TxHash
		payload.OutputAmount = order.OutputAmount
	}
	payload.Venue = order.Venue

	if err := m.store.UpdateOrder(ctx, order); err != nil {
		return "", fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	if err := m.removeResting(ctx, r); err != nil {
		return "", err
	}

	fields := logrus.Fields{"order_id": order.ID, "token": order.TokenAddress, "price": price.String(), "venue": order.Venue}
	if swapErr != nil {
		m.log.WithFields(fields).WithError(swapErr).Warn("Limit order failed")
		m.events.Publish(ctx, events.TopicOrderFailed, payload)
		return order.Status, nil
	}
	m.log.WithFields(fields).Info("Limit order executed")
	m.events.Publish(ctx, events.TopicOrderExecuted, payload)
	return order.Status, nil
}

func (m *Matcher) removeResting(ctx context.Context, r models.RestingOrder) error {
	if err := m.store.DeleteRestingOrder(ctx, r.ID); err != nil {
		return fmt.Errorf("failed to remove resting order %d: %w", r.ID, err)
	}
	if m.index != nil {
		m.index.Remove(r)
	}
	return nil
}
