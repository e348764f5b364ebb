package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionStatus represents the lifecycle state of a master/member relationship
type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "pending"
	ConnectionConnect      ConnectionStatus = "connect"
	ConnectionPause        ConnectionStatus = "pause"
	ConnectionBlock        ConnectionStatus = "block"
	ConnectionDisconnect   ConnectionStatus = "disconnect"
	ConnectionDelete       ConnectionStatus = "delete"
	ConnectionDeleteHidden ConnectionStatus = "delete-hidden"
)

// IsTerminal reports whether a row in this status no longer counts as an
// existing relationship for the purpose of creating a new one.
func (s ConnectionStatus) IsTerminal() bool {
	return s == ConnectionDisconnect || s == ConnectionDelete || s == ConnectionDeleteHidden
}

// LimitOption selects whether member supplied limits apply
type LimitOption string

const (
	LimitOptionDefault LimitOption = "default"
	LimitOptionCustom  LimitOption = "custom"
)

// Connection is one row of a master/member relationship history. Only the
// most recent row that is not delete-hidden is authoritative.
type Connection struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	MasterID    uint             `gorm:"not null;index:idx_connection_pair" json:"master_id"`
	MemberID    uint             `gorm:"not null;index:idx_connection_pair" json:"member_id"`
	Status      ConnectionStatus `gorm:"not null;size:16" json:"status"`
	LimitOption LimitOption      `gorm:"not null;default:'default';size:16" json:"limit_option"`
	PriceLimit  decimal.Decimal  `gorm:"type:decimal(30,9);default:0" json:"price_limit"`
	RatioLimit  decimal.Decimal  `gorm:"type:decimal(10,4);default:0" json:"ratio_limit"`
	CreatedAt   time.Time        `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// CopyPolicy decides how a group sizes member copies
type CopyPolicy string

const (
	PolicyFixedPrice    CopyPolicy = "fixed_price"
	PolicyFixedRatio    CopyPolicy = "fixed_ratio"
	PolicyTrackingRatio CopyPolicy = "tracking_ratio"
)

// Valid reports whether p is a known policy
func (p CopyPolicy) Valid() bool {
	switch p {
	case PolicyFixedPrice, PolicyFixedRatio, PolicyTrackingRatio:
		return true
	}
	return false
}

// GroupStatus represents the state of a master's group
type GroupStatus string

const (
	GroupOn           GroupStatus = "on"
	GroupOff          GroupStatus = "off"
	GroupDelete       GroupStatus = "delete"
	GroupDeleteHidden GroupStatus = "delete-hidden"
)

// IsRetired reports whether the group is deleted or force-retired
func (s GroupStatus) IsRetired() bool {
	return s == GroupDelete || s == GroupDeleteHidden
}

// Group is a master-owned roster with a copy policy
type Group struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	OwnerMasterID uint            `gorm:"not null;index" json:"owner_master_id"`
	Name          string          `gorm:"not null;size:64" json:"name"`
	CopyPolicy    CopyPolicy      `gorm:"not null;size:16" json:"copy_policy"`
	FixedPrice    decimal.Decimal `gorm:"type:decimal(30,9);default:0" json:"fixed_price"`
	FixedRatio    decimal.Decimal `gorm:"type:decimal(10,4);default:0" json:"fixed_ratio"`
	Status        GroupStatus     `gorm:"not null;default:'on';size:16" json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	// Relationships
	Memberships []GroupMembership `gorm:"foreignKey:GroupID" json:"memberships,omitempty"`
}

// MembershipStatus controls whether a member currently copies
type MembershipStatus string

const (
	MembershipRunning MembershipStatus = "running"
	MembershipPause   MembershipStatus = "pause"
)

// GroupMembership authorises a member to copy through a group
type GroupMembership struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	GroupID   uint             `gorm:"not null;index" json:"group_id"`
	MemberID  uint             `gorm:"not null;index" json:"member_id"`
	Status    MembershipStatus `gorm:"not null;default:'running';size:16" json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// MemberAssignment is an eligible member together with the group it copies through
type MemberAssignment struct {
	Membership GroupMembership
	Group      Group
	Member     Account
	Connection Connection
}

// TableName methods
func (Connection) TableName() string      { return "connections" }
func (Group) TableName() string           { return "copy_groups" }
func (GroupMembership) TableName() string { return "group_memberships" }
