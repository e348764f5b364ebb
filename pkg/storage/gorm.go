package storage

import (
	"context"
	"errors"
	"fmt"

	"copytrade-engine/pkg/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on top of gorm
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an opened gorm connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB returns the underlying gorm handle
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// Accounts

func (s *GormStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *GormStore) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (s *GormStore) GetAccountByWallet(ctx context.Context, wallet string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (s *GormStore) UpdateAccountTier(ctx context.Context, id uint, tier models.Tier) error {
	result := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Update("tier", tier)
	if result.Error != nil {
		return fmt.Errorf("failed to update tier: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Balances

func (s *GormStore) GetBalance(ctx context.Context, accountID uint, asset string) (decimal.Decimal, error) {
	var balance models.Balance
	err := s.db.WithContext(ctx).Where("account_id = ? AND asset = ?", accountID, asset).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load balance: %w", err)
	}
	return balance.Available, nil
}

func (s *GormStore) SetBalance(ctx context.Context, accountID uint, asset string, available decimal.Decimal) error {
	balance := models.Balance{AccountID: accountID, Asset: asset, Available: available}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "asset"}},
		DoUpdates: clause.AssignmentColumns([]string{"available", "updated_at"}),
	}).Create(&balance).Error
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

// Connections

func (s *GormStore) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

func (s *GormStore) GetConnection(ctx context.Context, id uint) (*models.Connection, error) {
	var conn models.Connection
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &conn, nil
}

func (s *GormStore) LatestConnection(ctx context.Context, masterID, memberID uint) (*models.Connection, error) {
	var conn models.Connection
	err := s.db.WithContext(ctx).
		Where("master_id = ? AND member_id = ? AND status <> ?", masterID, memberID, models.ConnectionDeleteHidden).
		Order("created_at DESC, id DESC").
		First(&conn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &conn, nil
}

func (s *GormStore) UpdateConnection(ctx context.Context, conn *models.Connection) error {
	if err := s.db.WithContext(ctx).Save(conn).Error; err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return nil
}

func (s *GormStore) HideConnections(ctx context.Context, masterID uint) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("master_id = ? AND status <> ?", masterID, models.ConnectionDeleteHidden).
		Update("status", models.ConnectionDeleteHidden)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to hide connections: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Groups

func (s *GormStore) CreateGroup(ctx context.Context, group *models.Group) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(group).Error; err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

func (s *GormStore) GetGroup(ctx context.Context, id uint) (*models.Group, error) {
	var group models.Group
	if err := s.db.WithContext(ctx).First(&group, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &group, nil
}

func (s *GormStore) UpdateGroup(ctx context.Context, group *models.Group) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Save(group).Error; err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	return nil
}

func (s *GormStore) ListGroups(ctx context.Context, masterID uint) ([]models.Group, error) {
	var groups []models.Group
	err := s.db.WithContext(ctx).Preload("Memberships").
		Where("owner_master_id = ?", masterID).Order("id").Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

func (s *GormStore) HideGroups(ctx context.Context, masterID uint) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Group{}).
		Where("owner_master_id = ? AND status NOT IN ?", masterID,
			[]models.GroupStatus{models.GroupDelete, models.GroupDeleteHidden}).
		Update("status", models.GroupDeleteHidden)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to hide groups: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Memberships

func (s *GormStore) FindMembership(ctx context.Context, masterID, memberID uint) (*models.GroupMembership, error) {
	var ms models.GroupMembership
	err := s.db.WithContext(ctx).
		Joins("JOIN copy_groups ON copy_groups.id = group_memberships.group_id").
		Where("copy_groups.owner_master_id = ? AND group_memberships.member_id = ?", masterID, memberID).
		First(&ms).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ms, nil
}

func (s *GormStore) CreateMembership(ctx context.Context, ms *models.GroupMembership) error {
	if err := s.db.WithContext(ctx).Create(ms).Error; err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

func (s *GormStore) UpdateMembership(ctx context.Context, ms *models.GroupMembership) error {
	if err := s.db.WithContext(ctx).Save(ms).Error; err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteMembershipsByGroup(ctx context.Context, groupID uint) (int64, error) {
	result := s.db.WithContext(ctx).Where("group_id = ?", groupID).Delete(&models.GroupMembership{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete memberships: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) ListEligibleMembers(ctx context.Context, masterID uint) ([]models.MemberAssignment, error) {
	db := s.db.WithContext(ctx)

	var memberships []models.GroupMembership
	err := db.Joins("JOIN copy_groups ON copy_groups.id = group_memberships.group_id").
		Where("copy_groups.owner_master_id = ? AND copy_groups.status = ? AND group_memberships.status = ?",
			masterID, models.GroupOn, models.MembershipRunning).
		Order("group_memberships.id").
		Find(&memberships).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	groups := make(map[uint]models.Group)
	assignments := make([]models.MemberAssignment, 0, len(memberships))
	for _, ms := range memberships {
		conn, err := s.LatestConnection(ctx, masterID, ms.MemberID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conn.Status != models.ConnectionConnect {
			continue
		}

		group, ok := groups[ms.GroupID]
		if !ok {
			if err := db.First(&group, ms.GroupID).Error; err != nil {
				return nil, notFound(err)
			}
			groups[ms.GroupID] = group
		}

		var member models.Account
		if err := db.First(&member, ms.MemberID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load member %d: %w", ms.MemberID, err)
		}

		assignments = append(assignments, models.MemberAssignment{
			Membership: ms,
			Group:      group,
			Member:     member,
			Connection: *conn,
		})
	}
	return assignments, nil
}

// Orders

func (s *GormStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (s *GormStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *GormStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	if err := s.db.WithContext(ctx).Save(order).Error; err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// Order book

func (s *GormStore) CreateRestingOrder(ctx context.Context, r *models.RestingOrder) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("failed to create resting order: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteRestingOrder(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&models.RestingOrder{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete resting order: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteRestingOrdersByParent(ctx context.Context, parentOrderID string) (int64, error) {
	result := s.db.WithContext(ctx).Where("parent_order_id = ?", parentOrderID).Delete(&models.RestingOrder{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete resting orders: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) ListRestingOrders(ctx context.Context, token string) ([]models.RestingOrder, error) {
	var rows []models.RestingOrder
	if err := s.db.WithContext(ctx).Where("token_address = ?", token).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list order book: %w", err)
	}
	return rows, nil
}

func (s *GormStore) ListAllRestingOrders(ctx context.Context) ([]models.RestingOrder, error) {
	var rows []models.RestingOrder
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list order book: %w", err)
	}
	return rows, nil
}

// Master transactions

func (s *GormStore) CreateMasterTransaction(ctx context.Context, tx *models.MasterTransaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to create master transaction: %w", err)
	}
	return nil
}

func (s *GormStore) GetMasterTransaction(ctx context.Context, id string) (*models.MasterTransaction, error) {
	var tx models.MasterTransaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

func (s *GormStore) UpdateMasterTransaction(ctx context.Context, tx *models.MasterTransaction) error {
	if err := s.db.WithContext(ctx).Save(tx).Error; err != nil {
		return fmt.Errorf("failed to update master transaction: %w", err)
	}
	return nil
}

func (s *GormStore) TransitionMasterTransaction(ctx context.Context, id string, from []models.TransactionStatus, to models.TransactionStatus, message string) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if message != "" {
		updates["message"] = message
	}
	result := s.db.WithContext(ctx).Model(&models.MasterTransaction{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition master transaction: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) ListPendingLimitTransactions(ctx context.Context, token string) ([]models.MasterTransaction, error) {
	var txs []models.MasterTransaction
	err := s.db.WithContext(ctx).
		Where("token_address = ? AND status = ? AND order_kind = ?", token, models.TxStatusRunning, models.OrderKindLimit).
		Order("created_at").Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list limit transactions: %w", err)
	}
	return txs, nil
}

func (s *GormStore) ListRunningTransactions(ctx context.Context, limit int) ([]models.MasterTransaction, error) {
	var txs []models.MasterTransaction
	query := s.db.WithContext(ctx).Where("status = ?", models.TxStatusRunning).Order("created_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to list running transactions: %w", err)
	}
	return txs, nil
}

func (s *GormStore) ListMasterTransactions(ctx context.Context, masterID uint, limit int) ([]models.MasterTransaction, error) {
	var txs []models.MasterTransaction
	query := s.db.WithContext(ctx).Where("master_id = ?", masterID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to list master transactions: %w", err)
	}
	return txs, nil
}

// Replica details

func (s *GormStore) CreateReplicaDetails(ctx context.Context, details []models.ReplicaDetail) error {
	if len(details) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&details).Error; err != nil {
		return fmt.Errorf("failed to create replica details: %w", err)
	}
	return nil
}

func (s *GormStore) ListReplicaDetails(ctx context.Context, transactionID string) ([]models.ReplicaDetail, error) {
	var details []models.ReplicaDetail
	err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Order("id").Find(&details).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list replica details: %w", err)
	}
	return details, nil
}

func (s *GormStore) UpdateReplicaDetail(ctx context.Context, detail *models.ReplicaDetail) error {
	if err := s.db.WithContext(ctx).Save(detail).Error; err != nil {
		return fmt.Errorf("failed to update replica detail: %w", err)
	}
	return nil
}

// Fees

func (s *GormStore) CreateFeeCharge(ctx context.Context, fee *models.FeeCharge) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fee).Error
	if err != nil {
		return fmt.Errorf("failed to record fee charge: %w", err)
	}
	return nil
}
