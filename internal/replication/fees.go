package replication

import (
	"context"
	"fmt"

	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/shopspring/decimal"
)

// FeeCollector charges the per-member fee of a settled copy
type FeeCollector interface {
	Collect(ctx context.Context, detail *models.ReplicaDetail) error
}

// LedgerFeeCollector records fees as FeeCharge rows in the quote asset
type LedgerFeeCollector struct {
	store storage.Store
	rate  decimal.Decimal
}

// NewLedgerFeeCollector creates a collector charging rate of the settled amount
func NewLedgerFeeCollector(store storage.Store, rate decimal.Decimal) *LedgerFeeCollector {
	return &LedgerFeeCollector{store: store, rate: rate}
}

// Collect charges the quote side of the swap: the amount spent for buys and
// the amount received for sells
func (c *LedgerFeeCollector) Collect(ctx context.Context, detail *models.ReplicaDetail) error {
	settled := detail.Amount
	if detail.Type == models.SideSell {
		settled = detail.ReceivedAmount
	}
	if !settled.IsPositive() || !c.rate.IsPositive() {
		return nil
	}

	fee := &models.FeeCharge{
		ReplicaDetailID: detail.ID,
		MemberID:        detail.MemberID,
		Asset:           detail.QuoteAsset,
		SettledAmount:   settled,
		FeeRate:         c.rate,
		FeeAmount:       settled.Mul(c.rate),
	}
	if err := c.store.CreateFeeCharge(ctx, fee); err != nil {
		return fmt.Errorf("failed to record fee for detail %d: %w", detail.ID, err)
	}
	return nil
}
