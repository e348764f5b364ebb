// Package orders places and cancels an account's own swap orders. Market
// orders execute immediately; limit orders rest in the order book until the
// matcher fills them. Orders of an account with followers are captured as
// master transactions for replication.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/venue"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrOrderNotFound    = errors.New("order not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrPermissionDenied = errors.New("order belongs to another account")
	ErrNotCancelable    = errors.New("only pending orders can be canceled")
	ErrOrderCanceled    = errors.New("origin order canceled")
)

const cancelLockTTL = 30 * time.Second

// Capturer turns a master's order into a replicated master transaction
type Capturer interface {
	Capture(ctx context.Context, order *models.Order, masterBalance decimal.Decimal) (*models.MasterTransaction, error)
	Abort(ctx context.Context, txID string, cause error) error
}

// SwapExecutor executes one swap with venue failover
type SwapExecutor interface {
	Execute(ctx context.Context, token string, req venue.SwapRequest) (*venue.Execution, error)
}

// Locker runs fn while holding a keyed lock
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// BookIndex mirrors resting orders for the matcher
type BookIndex interface {
	Add(r models.RestingOrder)
	Remove(r models.RestingOrder)
}

// PriceFeed streams prices for tokens with resting orders
type PriceFeed interface {
	Subscribe(ctx context.Context, token string) error
}

// PlaceRequest describes a new order. Quantity is in the quote asset for
// buys and in the token for sells.
type PlaceRequest struct {
	AccountID uint             `json:"-"`
	Token     string           `json:"token_address" binding:"required"`
	Side      models.Side      `json:"side" binding:"required"`
	Kind      models.OrderKind `json:"kind" binding:"required"`
	Price     decimal.Decimal  `json:"price"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Slippage  float64          `json:"slippage"`
	Venue     string           `json:"venue"`
}

// Deps are the collaborators of the service
type Deps struct {
	Store    storage.Store
	Venues   SwapExecutor
	Locks    Locker
	Index    BookIndex
	Capturer Capturer
	Feed     PriceFeed
	Events   events.Publisher
}

// Service manages origin orders
type Service struct {
	store    storage.Store
	venues   SwapExecutor
	locks    Locker
	index    BookIndex
	capturer Capturer
	feed     PriceFeed
	events   events.Publisher

	quoteAsset      string
	defaultSlippage float64
	log             *logrus.Entry
}

// NewService creates the order service
func NewService(quoteAsset string, defaultSlippage float64, deps Deps) *Service {
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if defaultSlippage <= 0 {
		defaultSlippage = 1
	}
	return &Service{
		store:           deps.Store,
		venues:          deps.Venues,
		locks:           deps.Locks,
		index:           deps.Index,
		capturer:        deps.Capturer,
		feed:            deps.Feed,
		events:          deps.Events,
		quoteAsset:      quoteAsset,
		defaultSlippage: defaultSlippage,
		log:             logrus.WithField("component", "orders"),
	}
}

func validate(req PlaceRequest) error {
	switch {
	case strings.TrimSpace(req.Token) == "":
		return fmt.Errorf("%w: token is required", ErrInvalidOrder)
	case !req.Side.Valid():
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	case req.Kind != models.OrderKindMarket && req.Kind != models.OrderKindLimit:
		return fmt.Errorf("%w: kind must be market or limit", ErrInvalidOrder)
	case !req.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case req.Kind == models.OrderKindLimit && !req.Price.IsPositive():
		return fmt.Errorf("%w: limit orders need a positive price", ErrInvalidOrder)
	case req.Slippage < 0 || req.Slippage > 100:
		return fmt.Errorf("%w: slippage must be within [0, 100]", ErrInvalidOrder)
	}
	return nil
}

// Place records and routes a new order
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*models.Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	account, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	slippage := req.Slippage
	if slippage == 0 {
		slippage = s.defaultSlippage
	}
	order := &models.Order{
		ID:           uuid.New().String(),
		AccountID:    account.ID,
		TokenAddress: req.Token,
		QuoteAsset:   s.quoteAsset,
		Side:         req.Side,
		Kind:         req.Kind,
		Status:       models.OrderStatusPending,
		Price:        req.Price,
		Quantity:     req.Quantity,
		Slippage:     slippage,
		Venue:        req.Venue,
	}

	// the master's balance is read before its own trade changes it
	master, balance, err := s.masterBalance(ctx, account, order)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"account_id": account.ID,
		"token":      order.TokenAddress,
		"side":       order.Side,
		"kind":       order.Kind,
		"master":     master,
	}).Info("Order placed")

	if order.Kind == models.OrderKindMarket {
		return s.executeMarket(ctx, account, order, master, balance)
	}
	return s.rest(ctx, order, master, balance)
}

// masterBalance reports whether account currently has followers and, if
// so, its balance of the asset the order spends
func (s *Service) masterBalance(ctx context.Context, account *models.Account, order *models.Order) (bool, decimal.Decimal, error) {
	if s.capturer == nil {
		return false, decimal.Zero, nil
	}
	members, err := s.store.ListEligibleMembers(ctx, account.ID)
	if err != nil {
		return false, decimal.Zero, fmt.Errorf("failed to resolve followers: %w", err)
	}
	if len(members) == 0 {
		return false, decimal.Zero, nil
	}

	spent := order.QuoteAsset
	if order.Side == models.SideSell {
		spent = order.TokenAddress
	}
	balance, err := s.store.GetBalance(ctx, account.ID, spent)
	if err != nil {
		return false, decimal.Zero, fmt.Errorf("failed to load balance: %w", err)
	}
	return true, balance, nil
}

func (s *Service) executeMarket(ctx context.Context, account *models.Account, order *models.Order, master bool, balance decimal.Decimal) (*models.Order, error) {
	req := venue.SwapRequest{
		SigningKey:      account.SigningKeyRef,
		FromAsset:       order.QuoteAsset,
		ToAsset:         order.TokenAddress,
		Amount:          order.Quantity,
		SlippagePercent: order.Slippage,
		Options:         venue.Options{PreferredVenue: order.Venue},
	}
	if order.Side == models.SideSell {
		req.FromAsset, req.ToAsset = order.TokenAddress, order.QuoteAsset
	}
	exec, swapErr := s.venues.Execute(ctx, order.TokenAddress, req)

	now := time.Now().UTC()
	order.ExecutedAt = &now
	order.PriceMatching = order.Price
	payload := events.OrderResult{
		OrderID:   order.ID,
		AccountID: order.AccountID,
		Token:     order.TokenAddress,
		Side:      string(order.Side),
		Price:     order.Price,
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
		if !order.PriceMatching.IsPositive() {
			order.PriceMatching = executedRate(order)
		}
		payload.Price = order.PriceMatching
		payload.TxHash = order.TxHash
		payload.OutputAmount = order.OutputAmount
	}
	payload.Venue = order.Venue

	if swapErr == nil && master {
		tx, err := s.capturer.Capture(ctx, order, balance)
		if err != nil {
			s.log.WithField("order_id", order.ID).WithError(err).Error("Failed to capture master trade")
		} else {
			order.MasterTransactionID = tx.ID
		}
	}

	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to save order: %w", err)
	}

	if swapErr != nil {
		s.log.WithField("order_id", order.ID).WithError(swapErr).Warn("Market order failed")
		s.events.Publish(ctx, events.TopicOrderFailed, payload)
	} else {
		s.events.Publish(ctx, events.TopicOrderExecuted, payload)
	}
	return order, nil
}

// executedRate is the quote-per-token rate a filled market order achieved
func executedRate(order *models.Order) decimal.Decimal {
	if !order.OutputAmount.IsPositive() {
		return decimal.Zero
	}
	if order.Side == models.SideBuy {
		return order.Quantity.Div(order.OutputAmount)
	}
	return order.OutputAmount.Div(order.Quantity)
}

func (s *Service) rest(ctx context.Context, order *models.Order, master bool, balance decimal.Decimal) (*models.Order, error) {
	// capture first so the transaction exists before the matcher can see
	// the resting row
	if master {
		tx, err := s.capturer.Capture(ctx, order, balance)
		if err != nil {
			return nil, s.reject(ctx, order, fmt.Errorf("failed to capture master trade: %w", err))
		}
		order.MasterTransactionID = tx.ID
		if err := s.store.UpdateOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("failed to link order: %w", err)
		}
	}

	r := &models.RestingOrder{
		TokenAddress:  order.TokenAddress,
		Price:         order.Price,
		Quantity:      order.Quantity,
		Side:          order.Side,
		ParentOrderID: order.ID,
	}
	if err := s.store.CreateRestingOrder(ctx, r); err != nil {
		if order.MasterTransactionID != "" {
			_ = s.capturer.Abort(ctx, order.MasterTransactionID, err)
		}
		return nil, s.reject(ctx, order, fmt.Errorf("failed to rest order: %w", err))
	}
	if s.index != nil {
		s.index.Add(*r)
	}
	if s.feed != nil {
		// the reconcile job retries a failed subscription
		if err := s.feed.Subscribe(ctx, order.TokenAddress); err != nil {
			s.log.WithField("token", order.TokenAddress).WithError(err).Warn("Failed to subscribe to price feed")
		}
	}
	return order, nil
}

// reject marks order failed and returns cause
func (s *Service) reject(ctx context.Context, order *models.Order, cause error) error {
	order.Status = models.OrderStatusFailed
	order.Message = cause.Error()
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		s.log.WithField("order_id", order.ID).WithError(err).Error("Failed to mark order failed")
	}
	return cause
}

// Cancel withdraws a pending limit order. The order book is changed under
// the token's lock so a concurrent match cannot fill a canceled order.
func (s *Service) Cancel(ctx context.Context, accountID uint, orderID string) (*models.Order, error) {
	order, err := s.Get(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, ErrNotCancelable
	}

	err = s.locks.WithLock(ctx, "orderbook:"+order.TokenAddress, cancelLockTTL, func(ctx context.Context) error {
		current, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status != models.OrderStatusPending {
			return ErrNotCancelable
		}

		rows, err := s.store.ListRestingOrders(ctx, current.TokenAddress)
		if err != nil {
			return err
		}
		if _, err := s.store.DeleteRestingOrdersByParent(ctx, orderID); err != nil {
			return err
		}
		if s.index != nil {
			for _, r := range rows {
				if r.ParentOrderID == orderID {
					s.index.Remove(r)
				}
			}
		}

		current.Status = models.OrderStatusCanceled
		current.Message = "canceled by owner"
		if err := s.store.UpdateOrder(ctx, current); err != nil {
			return err
		}
		order = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if order.MasterTransactionID != "" && s.capturer != nil {
		if err := s.capturer.Abort(ctx, order.MasterTransactionID, ErrOrderCanceled); err != nil {
			s.log.WithField("tx_id", order.MasterTransactionID).WithError(err).Warn("Failed to abort replication")
		}
	}
	s.log.WithField("order_id", order.ID).Info("Order canceled")
	return order, nil
}

// Get returns accountID's order
func (s *Service) Get(ctx context.Context, accountID uint, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.AccountID != accountID {
		return nil, ErrPermissionDenied
	}
	return order, nil
}
