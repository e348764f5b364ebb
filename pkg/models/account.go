package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Tier classifies a master account
type Tier string

const (
	TierRegular Tier = "regular"
	TierVIP     Tier = "vip"
)

// Account represents a trading wallet known to the engine. It may act as a
// master, a member, or both.
type Account struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	WalletAddress string         `gorm:"unique;not null;size:64" json:"wallet_address"`
	Username      string         `gorm:"size:64" json:"username"`
	Tier          Tier           `gorm:"not null;default:'regular'" json:"tier"`
	SigningKeyRef string         `gorm:"not null" json:"-"` // opaque handle understood by the venue adapter
	IsActive      bool           `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Balances []Balance `gorm:"foreignKey:AccountID" json:"balances,omitempty"`
}

// IsVIP reports whether the account is a VIP master
func (a *Account) IsVIP() bool {
	return a.Tier == TierVIP
}

// Balance is the last known available balance of an account in one asset
type Balance struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	AccountID uint            `gorm:"not null;uniqueIndex:idx_balance_account_asset" json:"account_id"`
	Asset     string          `gorm:"not null;size:64;uniqueIndex:idx_balance_account_asset" json:"asset"`
	Available decimal.Decimal `gorm:"type:decimal(30,9);default:0" json:"available"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BeforeCreate hook for Balance
func (b *Balance) BeforeCreate(tx *gorm.DB) error {
	if b.Available.IsZero() {
		b.Available = decimal.Zero
	}
	return nil
}

// TableName methods
func (Account) TableName() string { return "accounts" }
func (Balance) TableName() string { return "balances" }
