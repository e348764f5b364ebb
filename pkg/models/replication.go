package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus represents the state of a master transaction
type TransactionStatus string

const (
	TxStatusRunning TransactionStatus = "running"
	TxStatusPause   TransactionStatus = "pause"
	TxStatusStop    TransactionStatus = "stop"
	TxStatusFailed  TransactionStatus = "failed"
)

// IsTerminal reports whether no further replication happens
func (s TransactionStatus) IsTerminal() bool {
	return s == TxStatusStop || s == TxStatusFailed
}

// TransactionSource records how the master trade was captured
type TransactionSource string

const (
	SourceOrder TransactionSource = "order"
	SourceChain TransactionSource = "chain"
)

// MasterTransaction is one replicated trade intent of a master. Amount is
// the master's traded quantity and MasterBalance the master's pre-trade
// balance of the spent asset (quote asset for buys, token for sells).
type MasterTransaction struct {
	ID                  string            `gorm:"primaryKey;size:36" json:"id"`
	MasterID            uint              `gorm:"not null;index" json:"master_id"`
	TokenAddress        string            `gorm:"not null;size:64;index" json:"token_address"`
	QuoteAsset          string            `gorm:"not null;size:64" json:"quote_asset"`
	TradeType           Side              `gorm:"not null;size:8" json:"trade_type"`
	OrderKind           OrderKind         `gorm:"not null;size:8" json:"order_kind"`
	Price               decimal.Decimal   `gorm:"type:decimal(30,12)" json:"price"`
	Amount              decimal.Decimal   `gorm:"type:decimal(30,9)" json:"amount"`
	MasterBalance       decimal.Decimal   `gorm:"type:decimal(30,9)" json:"master_balance"`
	Slippage            float64           `gorm:"default:1" json:"slippage"`
	PriorityFee         float64           `gorm:"default:0" json:"priority_fee"`
	Status              TransactionStatus `gorm:"not null;default:'running';size:16;index" json:"status"`
	Source              TransactionSource `gorm:"not null;default:'order';size:8" json:"source"`
	LinkedOriginOrderID string            `gorm:"size:36;index" json:"linked_origin_order_id,omitempty"`
	SourceSignature     string            `gorm:"size:128" json:"source_signature,omitempty"`
	VenueUsed           string            `gorm:"size:32" json:"venue_used,omitempty"`
	MemberIDList        []uint            `gorm:"serializer:json" json:"member_id_list"`
	SkippedCount        int               `gorm:"not null;default:0" json:"skipped_count"`
	Message             string            `gorm:"type:text" json:"message,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// DetailStatus represents the outcome of one member copy
type DetailStatus string

const (
	DetailWait    DetailStatus = "wait"
	DetailSuccess DetailStatus = "success"
	DetailError   DetailStatus = "error"
)

// ReplicaDetail is one member's copy of a master transaction
type ReplicaDetail struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	TransactionID  string          `gorm:"not null;size:36;uniqueIndex:idx_detail_tx_member" json:"transaction_id"`
	MemberID       uint            `gorm:"not null;uniqueIndex:idx_detail_tx_member" json:"member_id"`
	GroupID        uint            `json:"group_id"`
	MasterWallet   string          `gorm:"not null;size:64" json:"master_wallet"`
	MemberWallet   string          `gorm:"not null;size:64" json:"member_wallet"`
	Type           Side            `gorm:"not null;size:8" json:"type"`
	Token          string          `gorm:"not null;size:64" json:"token"`
	QuoteAsset     string          `gorm:"not null;size:64" json:"quote_asset"`
	Amount         decimal.Decimal `gorm:"type:decimal(30,9)" json:"amount"`
	Price          decimal.Decimal `gorm:"type:decimal(30,12)" json:"price"`
	TotalValue     decimal.Decimal `gorm:"type:decimal(30,9)" json:"total_value"`
	PriorityFee    float64         `json:"priority_fee"`
	Slippage       float64         `json:"slippage"`
	ForceFullSell  bool            `json:"force_full_sell"`
	Status         DetailStatus    `gorm:"not null;default:'wait';size:8" json:"status"`
	TxHash         string          `gorm:"size:128" json:"tx_hash,omitempty"`
	Venue          string          `gorm:"size:32" json:"venue,omitempty"`
	Message        string          `gorm:"type:text" json:"message,omitempty"`
	ReceivedAmount decimal.Decimal `gorm:"type:decimal(30,9);default:0" json:"received_amount"`
	Time           time.Time       `json:"time"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FeeCharge is the ledger entry for the per-member fee on a settled copy
type FeeCharge struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	ReplicaDetailID uint            `gorm:"not null;uniqueIndex" json:"replica_detail_id"`
	MemberID        uint            `gorm:"not null;index" json:"member_id"`
	Asset           string          `gorm:"not null;size:64" json:"asset"`
	SettledAmount   decimal.Decimal `gorm:"type:decimal(30,9)" json:"settled_amount"`
	FeeRate         decimal.Decimal `gorm:"type:decimal(10,6)" json:"fee_rate"`
	FeeAmount       decimal.Decimal `gorm:"type:decimal(30,9)" json:"fee_amount"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TableName methods
func (MasterTransaction) TableName() string { return "master_transactions" }
func (ReplicaDetail) TableName() string     { return "replica_details" }
func (FeeCharge) TableName() string         { return "fee_charges" }
