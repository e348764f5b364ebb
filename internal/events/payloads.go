package events

import (
	"github.com/shopspring/decimal"
)

// LockFailed is emitted when a lock could not be acquired
type LockFailed struct {
	Key      string `json:"key"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// LockReleased is emitted after a held lock is released
type LockReleased struct {
	Key      string `json:"key"`
	Released bool   `json:"released"`
}

// OrderResult is the payload of order.executed and order.failed
type OrderResult struct {
	OrderID      string          `json:"order_id"`
	AccountID    uint            `json:"account_id"`
	Token        string          `json:"token"`
	Side         string          `json:"side"`
	Price        decimal.Decimal `json:"price"`
	OutputAmount decimal.Decimal `json:"output_amount,omitempty"`
	TxHash       string          `json:"tx_hash,omitempty"`
	Venue        string          `json:"venue,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// OrderbookProcessed summarises one matcher pass over a token
type OrderbookProcessed struct {
	Token        string          `json:"token"`
	Price        decimal.Decimal `json:"price"`
	Matched      int             `json:"matched"`
	Executed     int             `json:"executed"`
	Failed       int             `json:"failed"`
	Transactions int             `json:"transactions"`
}

// TransactionReceived announces a newly captured master trade
type TransactionReceived struct {
	TransactionID string          `json:"transaction_id"`
	MasterID      uint            `json:"master_id"`
	MasterWallet  string          `json:"master_wallet"`
	Token         string          `json:"token"`
	TradeType     string          `json:"trade_type"`
	Amount        decimal.Decimal `json:"amount"`
	Source        string          `json:"source"`
	Signature     string          `json:"signature,omitempty"`
}

// PriceUpdated is a normalised price tick
type PriceUpdated struct {
	Token     string          `json:"token"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// ReplicationCompleted summarises a finished fan-out
type ReplicationCompleted struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Success       int    `json:"success"`
	Errors        int    `json:"errors"`
	Skipped       int    `json:"skipped"`
	Message       string `json:"message,omitempty"`
}
