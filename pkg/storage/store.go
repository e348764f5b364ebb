package storage

import (
	"context"
	"errors"

	"copytrade-engine/pkg/models"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("storage: record not found")

// Store defines the persistence operations the engine consumes
type Store interface {
	// WithTx runs fn against a store bound to one database transaction
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Accounts
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uint) (*models.Account, error)
	GetAccountByWallet(ctx context.Context, wallet string) (*models.Account, error)
	UpdateAccountTier(ctx context.Context, id uint, tier models.Tier) error

	// Balances
	GetBalance(ctx context.Context, accountID uint, asset string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, accountID uint, asset string, available decimal.Decimal) error

	// Connections
	CreateConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, id uint) (*models.Connection, error)
	// LatestConnection returns the newest row for the pair that is not delete-hidden
	LatestConnection(ctx context.Context, masterID, memberID uint) (*models.Connection, error)
	UpdateConnection(ctx context.Context, conn *models.Connection) error
	HideConnections(ctx context.Context, masterID uint) (int64, error)

	// Groups
	CreateGroup(ctx context.Context, group *models.Group) error
	GetGroup(ctx context.Context, id uint) (*models.Group, error)
	UpdateGroup(ctx context.Context, group *models.Group) error
	ListGroups(ctx context.Context, masterID uint) ([]models.Group, error)
	HideGroups(ctx context.Context, masterID uint) (int64, error)

	// Memberships
	// FindMembership returns the member's membership in any group owned by masterID
	FindMembership(ctx context.Context, masterID, memberID uint) (*models.GroupMembership, error)
	CreateMembership(ctx context.Context, m *models.GroupMembership) error
	UpdateMembership(ctx context.Context, m *models.GroupMembership) error
	DeleteMembershipsByGroup(ctx context.Context, groupID uint) (int64, error)
	// ListEligibleMembers returns running memberships of masterID's "on" groups
	// whose latest connection is "connect"
	ListEligibleMembers(ctx context.Context, masterID uint) ([]models.MemberAssignment, error)

	// Orders
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error

	// Order book
	CreateRestingOrder(ctx context.Context, r *models.RestingOrder) error
	DeleteRestingOrder(ctx context.Context, id uint) error
	DeleteRestingOrdersByParent(ctx context.Context, parentOrderID string) (int64, error)
	ListRestingOrders(ctx context.Context, token string) ([]models.RestingOrder, error)
	ListAllRestingOrders(ctx context.Context) ([]models.RestingOrder, error)

	// Master transactions
	CreateMasterTransaction(ctx context.Context, tx *models.MasterTransaction) error
	GetMasterTransaction(ctx context.Context, id string) (*models.MasterTransaction, error)
	UpdateMasterTransaction(ctx context.Context, tx *models.MasterTransaction) error
	// TransitionMasterTransaction moves id to status "to" only while it is in one of "from"
	TransitionMasterTransaction(ctx context.Context, id string, from []models.TransactionStatus, to models.TransactionStatus, message string) (bool, error)
	// ListPendingLimitTransactions returns running limit transactions for a token
	ListPendingLimitTransactions(ctx context.Context, token string) ([]models.MasterTransaction, error)
	ListRunningTransactions(ctx context.Context, limit int) ([]models.MasterTransaction, error)
	ListMasterTransactions(ctx context.Context, masterID uint, limit int) ([]models.MasterTransaction, error)

	// Replica details
	CreateReplicaDetails(ctx context.Context, details []models.ReplicaDetail) error
	ListReplicaDetails(ctx context.Context, transactionID string) ([]models.ReplicaDetail, error)
	UpdateReplicaDetail(ctx context.Context, detail *models.ReplicaDetail) error

	// Fees
	CreateFeeCharge(ctx context.Context, fee *models.FeeCharge) error
}
