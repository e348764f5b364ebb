package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the status of an origin order
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusExecuted OrderStatus = "executed"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// OrderKind represents how an order is executed
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// Side represents the direction of a trade
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Order is an account's own swap order. For buys Quantity is denominated in
// QuoteAsset, for sells in the token.
type Order struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	AccountID     uint            `gorm:"not null;index" json:"account_id"`
	TokenAddress  string          `gorm:"not null;size:64;index" json:"token_address"`
	QuoteAsset    string          `gorm:"not null;size:64" json:"quote_asset"`
	Side          Side            `gorm:"not null;size:8" json:"side"`
	Kind          OrderKind       `gorm:"not null;size:8" json:"kind"`
	Status        OrderStatus     `gorm:"not null;default:'pending';size:16" json:"status"`
	Price         decimal.Decimal `gorm:"type:decimal(30,12)" json:"price"`
	Quantity      decimal.Decimal `gorm:"type:decimal(30,9);not null" json:"quantity"`
	Slippage      float64         `gorm:"default:1" json:"slippage"`
	PriceMatching decimal.Decimal `gorm:"type:decimal(30,12);default:0" json:"price_matching"`
	OutputAmount  decimal.Decimal `gorm:"type:decimal(30,9);default:0" json:"output_amount"`
	TxHash        string          `gorm:"size:128" json:"tx_hash,omitempty"`
	Venue         string          `gorm:"size:32" json:"venue,omitempty"`
	Message       string          `gorm:"type:text" json:"message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`

	// MasterTransactionID links a master's order to the trade it replicates
	MasterTransactionID string `gorm:"size:36;index" json:"master_transaction_id,omitempty"`
}

// RestingOrder is an order book row waiting for its price
type RestingOrder struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	TokenAddress  string          `gorm:"not null;size:64;index" json:"token_address"`
	Price         decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"price"`
	Quantity      decimal.Decimal `gorm:"type:decimal(30,9);not null" json:"quantity"`
	Side          Side            `gorm:"not null;size:8" json:"side"`
	ParentOrderID string          `gorm:"not null;size:36;index" json:"parent_order_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Triggered reports whether price p fills the resting order
func (r *RestingOrder) Triggered(p decimal.Decimal) bool {
	return PriceCrossed(r.Side, r.Price, p)
}

// PriceCrossed is the shared matching predicate: buys fill at or below their
// price, sells at or above.
func PriceCrossed(side Side, target, p decimal.Decimal) bool {
	switch side {
	case SideBuy:
		return p.LessThanOrEqual(target)
	case SideSell:
		return p.GreaterThanOrEqual(target)
	}
	return false
}

// TableName methods
func (Order) TableName() string        { return "orders" }
func (RestingOrder) TableName() string { return "order_book" }
