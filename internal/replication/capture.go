package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"copytrade-engine/internal/events"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DetectedTrade is a master swap observed on chain
type DetectedTrade struct {
	MasterWallet  string          `json:"master_wallet"`
	Token         string          `json:"token"`
	Side          models.Side     `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	MasterBalance decimal.Decimal `json:"master_balance"`
	Signature     string          `json:"signature"`
	Venue         string          `json:"venue"`
	PriorityFee   float64         `json:"priority_fee"`
	Slippage      float64         `json:"slippage"`
}

// WatchMaster registers wallet for on-chain detection. It reports false when
// the wallet was already watched.
func (e *Engine) WatchMaster(ctx context.Context, wallet string) (bool, error) {
	if _, err := e.store.GetAccountByWallet(ctx, wallet); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("unknown master wallet %s: %w", wallet, err)
		}
		return false, err
	}
	added, err := e.watched.Add(ctx, wallet)
	if err != nil {
		return false, fmt.Errorf("failed to watch %s: %w", wallet, err)
	}
	if added {
		e.log.WithField("wallet", wallet).Info("Watching master wallet")
	}
	return added, nil
}

// UnwatchMaster stops on-chain detection for wallet
func (e *Engine) UnwatchMaster(ctx context.Context, wallet string) (bool, error) {
	return e.watched.Remove(ctx, wallet)
}

// HandleDetectedTrade records a watched master's on-chain swap as a chain
// sourced master transaction and queues its replication
func (e *Engine) HandleDetectedTrade(ctx context.Context, trade DetectedTrade) (*models.MasterTransaction, error) {
	if !trade.Side.Valid() {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidTrade, trade.Side)
	}
	if !trade.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTrade)
	}

	watched, err := e.watched.Contains(ctx, trade.MasterWallet)
	if err != nil {
		return nil, err
	}
	if !watched {
		return nil, ErrNotWatched
	}

	master, err := e.store.GetAccountByWallet(ctx, trade.MasterWallet)
	if err != nil {
		return nil, err
	}

	slippage := trade.Slippage
	if slippage <= 0 {
		slippage = 1
	}
	tx := &models.MasterTransaction{
		ID:              uuid.New().String(),
		MasterID:        master.ID,
		TokenAddress:    trade.Token,
		QuoteAsset:      e.quoteAsset,
		TradeType:       trade.Side,
		OrderKind:       models.OrderKindMarket,
		Price:           trade.Price,
		Amount:          trade.Amount,
		MasterBalance:   trade.MasterBalance,
		Slippage:        slippage,
		PriorityFee:     trade.PriorityFee,
		Status:          models.TxStatusRunning,
		Source:          models.SourceChain,
		SourceSignature: trade.Signature,
		VenueUsed:       trade.Venue,
	}
	if err := e.store.CreateMasterTransaction(ctx, tx); err != nil {
		return nil, err
	}

	e.events.Publish(ctx, events.TopicTransactionReceived, events.TransactionReceived{
		TransactionID: tx.ID,
		MasterID:      master.ID,
		MasterWallet:  master.WalletAddress,
		Token:         tx.TokenAddress,
		TradeType:     string(tx.TradeType),
		Amount:        tx.Amount,
		Source:        string(tx.Source),
		Signature:     tx.SourceSignature,
	})
	e.log.WithFields(logrus.Fields{"tx_id": tx.ID, "master_id": master.ID, "signature": trade.Signature}).Info("Detected master trade")

	_ = e.Enqueue(tx.ID)
	return tx, nil
}

// Capture creates the master transaction replicating a master's own order.
// Market orders are queued right away; limit orders wait for the matcher.
func (e *Engine) Capture(ctx context.Context, order *models.Order, masterBalance decimal.Decimal) (*models.MasterTransaction, error) {
	price := order.Price
	if order.Kind == models.OrderKindMarket && order.PriceMatching.IsPositive() {
		price = order.PriceMatching
	}

	tx := &models.MasterTransaction{
		ID:                  uuid.New().String(),
		MasterID:            order.AccountID,
		TokenAddress:        order.TokenAddress,
		QuoteAsset:          order.QuoteAsset,
		TradeType:           order.Side,
		OrderKind:           order.Kind,
		Price:               price,
		Amount:              order.Quantity,
		MasterBalance:       masterBalance,
		Slippage:            order.Slippage,
		Status:              models.TxStatusRunning,
		Source:              models.SourceOrder,
		LinkedOriginOrderID: order.ID,
		VenueUsed:           order.Venue,
	}
	if err := e.store.CreateMasterTransaction(ctx, tx); err != nil {
		return nil, err
	}

	if tx.OrderKind == models.OrderKindMarket {
		_ = e.Enqueue(tx.ID)
	}
	return tx, nil
}

// SetStatus lets an operator pause a running transaction or resume a paused
// one. Resuming queues the transaction again.
func (e *Engine) SetStatus(ctx context.Context, txID string, status models.TransactionStatus) (*models.MasterTransaction, error) {
	var from models.TransactionStatus
	switch status {
	case models.TxStatusPause:
		from = models.TxStatusRunning
	case models.TxStatusRunning:
		from = models.TxStatusPause
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	moved, err := e.store.TransitionMasterTransaction(ctx, txID, []models.TransactionStatus{from}, status, "")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: transaction is not %s", ErrInvalidStatus, from)
	}

	e.log.WithFields(logrus.Fields{"tx_id": txID, "status": status}).Info("Transaction status changed by operator")
	if status == models.TxStatusRunning {
		_ = e.Enqueue(txID)
	}
	return e.store.GetMasterTransaction(ctx, txID)
}

// Abort fails a transaction whose origin order went away
func (e *Engine) Abort(ctx context.Context, txID string, cause error) error {
	if strings.TrimSpace(txID) == "" {
		return nil
	}
	e.fail(ctx, txID, cause)
	return nil
}
