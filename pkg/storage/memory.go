package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"copytrade-engine/pkg/models"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used by tests and local dry runs. It
// does not provide transactional rollback; WithTx only serialises callers.
type MemoryStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	Accounts      map[uint]models.Account
	Balances      map[uint]map[string]decimal.Decimal
	Connections   map[uint]models.Connection
	Groups        map[uint]models.Group
	Memberships   map[uint]models.GroupMembership
	Orders        map[string]models.Order
	RestingOrders map[uint]models.RestingOrder
	Transactions  map[string]models.MasterTransaction
	Details       map[uint]models.ReplicaDetail
	FeeCharges    []models.FeeCharge

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error

	nextID uint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Accounts:      make(map[uint]models.Account),
		Balances:      make(map[uint]map[string]decimal.Decimal),
		Connections:   make(map[uint]models.Connection),
		Groups:        make(map[uint]models.Group),
		Memberships:   make(map[uint]models.GroupMembership),
		Orders:        make(map[string]models.Order),
		RestingOrders: make(map[uint]models.RestingOrder),
		Transactions:  make(map[string]models.MasterTransaction),
		Details:       make(map[uint]models.ReplicaDetail),
		Calls:         make(map[string]int),
		ErrorOnNext:   make(map[string]error),
	}
}

// track records the call and returns an injected error, if any. Callers hold m.mu.
func (m *MemoryStore) track(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MemoryStore) id() uint {
	m.nextID++
	return m.nextID
}

// CallCount returns how many times a method was called
func (m *MemoryStore) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

// FailNext makes the next call of method return err
func (m *MemoryStore) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnNext[method] = err
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

// Accounts

func (m *MemoryStore) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateAccount"); err != nil {
		return err
	}
	if account.ID == 0 {
		account.ID = m.id()
	}
	if account.Tier == "" {
		account.Tier = models.TierRegular
	}
	account.CreatedAt = time.Now()
	m.Accounts[account.ID] = *account
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetAccount"); err != nil {
		return nil, err
	}
	a, ok := m.Accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) GetAccountByWallet(ctx context.Context, wallet string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetAccountByWallet"); err != nil {
		return nil, err
	}
	for _, a := range m.Accounts {
		if a.WalletAddress == wallet {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateAccountTier(ctx context.Context, id uint, tier models.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateAccountTier"); err != nil {
		return err
	}
	a, ok := m.Accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Tier = tier
	m.Accounts[id] = a
	return nil
}

// Balances

func (m *MemoryStore) GetBalance(ctx context.Context, accountID uint, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetBalance"); err != nil {
		return decimal.Zero, err
	}
	return m.Balances[accountID][asset], nil
}

func (m *MemoryStore) SetBalance(ctx context.Context, accountID uint, asset string, available decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SetBalance"); err != nil {
		return err
	}
	if m.Balances[accountID] == nil {
		m.Balances[accountID] = make(map[string]decimal.Decimal)
	}
	m.Balances[accountID][asset] = available
	return nil
}

// Connections

func (m *MemoryStore) CreateConnection(ctx context.Context, conn *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateConnection"); err != nil {
		return err
	}
	conn.ID = m.id()
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = conn.CreatedAt
	m.Connections[conn.ID] = *conn
	return nil
}

func (m *MemoryStore) GetConnection(ctx context.Context, id uint) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetConnection"); err != nil {
		return nil, err
	}
	c, ok := m.Connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) LatestConnection(ctx context.Context, masterID, memberID uint) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("LatestConnection"); err != nil {
		return nil, err
	}
	c, ok := m.latestConnection(masterID, memberID)
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) latestConnection(masterID, memberID uint) (models.Connection, bool) {
	var (
		latest models.Connection
		found  bool
	)
	for _, c := range m.Connections {
		if c.MasterID != masterID || c.MemberID != memberID || c.Status == models.ConnectionDeleteHidden {
			continue
		}
		// ids are monotonic, so the highest id is the most recently created row
		if !found || c.ID > latest.ID {
			latest, found = c, true
		}
	}
	return latest, found
}

func (m *MemoryStore) UpdateConnection(ctx context.Context, conn *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateConnection"); err != nil {
		return err
	}
	if _, ok := m.Connections[conn.ID]; !ok {
		return ErrNotFound
	}
	conn.UpdatedAt = time.Now()
	m.Connections[conn.ID] = *conn
	return nil
}

func (m *MemoryStore) HideConnections(ctx context.Context, masterID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("HideConnections"); err != nil {
		return 0, err
	}
	var n int64
	for id, c := range m.Connections {
		if c.MasterID == masterID && c.Status != models.ConnectionDeleteHidden {
			c.Status = models.ConnectionDeleteHidden
			m.Connections[id] = c
			n++
		}
	}
	return n, nil
}

// Groups

func (m *MemoryStore) CreateGroup(ctx context.Context, group *models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateGroup"); err != nil {
		return err
	}
	group.ID = m.id()
	group.CreatedAt = time.Now()
	m.Groups[group.ID] = *group
	return nil
}

func (m *MemoryStore) GetGroup(ctx context.Context, id uint) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetGroup"); err != nil {
		return nil, err
	}
	g, ok := m.Groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (m *MemoryStore) UpdateGroup(ctx context.Context, group *models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateGroup"); err != nil {
		return err
	}
	if _, ok := m.Groups[group.ID]; !ok {
		return ErrNotFound
	}
	group.UpdatedAt = time.Now()
	m.Groups[group.ID] = *group
	return nil
}

func (m *MemoryStore) ListGroups(ctx context.Context, masterID uint) ([]models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListGroups"); err != nil {
		return nil, err
	}
	var out []models.Group
	for _, g := range m.Groups {
		if g.OwnerMasterID == masterID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) HideGroups(ctx context.Context, masterID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("HideGroups"); err != nil {
		return 0, err
	}
	var n int64
	for id, g := range m.Groups {
		if g.OwnerMasterID == masterID && g.Status != models.GroupDelete && g.Status != models.GroupDeleteHidden {
			g.Status = models.GroupDeleteHidden
			m.Groups[id] = g
			n++
		}
	}
	return n, nil
}

// Memberships

func (m *MemoryStore) FindMembership(ctx context.Context, masterID, memberID uint) (*models.GroupMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("FindMembership"); err != nil {
		return nil, err
	}
	for _, ms := range m.Memberships {
		g, ok := m.Groups[ms.GroupID]
		if ok && ms.MemberID == memberID && g.OwnerMasterID == masterID {
			return &ms, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateMembership(ctx context.Context, ms *models.GroupMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateMembership"); err != nil {
		return err
	}
	ms.ID = m.id()
	if ms.Status == "" {
		ms.Status = models.MembershipRunning
	}
	ms.CreatedAt = time.Now()
	m.Memberships[ms.ID] = *ms
	return nil
}

func (m *MemoryStore) UpdateMembership(ctx context.Context, ms *models.GroupMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateMembership"); err != nil {
		return err
	}
	if _, ok := m.Memberships[ms.ID]; !ok {
		return ErrNotFound
	}
	ms.UpdatedAt = time.Now()
	m.Memberships[ms.ID] = *ms
	return nil
}

func (m *MemoryStore) DeleteMembershipsByGroup(ctx context.Context, groupID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteMembershipsByGroup"); err != nil {
		return 0, err
	}
	var n int64
	for id, ms := range m.Memberships {
		if ms.GroupID == groupID {
			delete(m.Memberships, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListEligibleMembers(ctx context.Context, masterID uint) ([]models.MemberAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListEligibleMembers"); err != nil {
		return nil, err
	}
	var out []models.MemberAssignment
	for _, ms := range m.Memberships {
		if ms.Status != models.MembershipRunning {
			continue
		}
		g, ok := m.Groups[ms.GroupID]
		if !ok || g.OwnerMasterID != masterID || g.Status != models.GroupOn {
			continue
		}
		conn, ok := m.latestConnection(masterID, ms.MemberID)
		if !ok || conn.Status != models.ConnectionConnect {
			continue
		}
		member, ok := m.Accounts[ms.MemberID]
		if !ok {
			continue
		}
		out = append(out, models.MemberAssignment{Membership: ms, Group: g, Member: member, Connection: conn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Membership.ID < out[j].Membership.ID })
	return out, nil
}

// Orders

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateOrder"); err != nil {
		return err
	}
	order.CreatedAt = time.Now()
	m.Orders[order.ID] = *order
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := m.Orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateOrder"); err != nil {
		return err
	}
	if _, ok := m.Orders[order.ID]; !ok {
		return ErrNotFound
	}
	order.UpdatedAt = time.Now()
	m.Orders[order.ID] = *order
	return nil
}

// Order book

func (m *MemoryStore) CreateRestingOrder(ctx context.Context, r *models.RestingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateRestingOrder"); err != nil {
		return err
	}
	r.ID = m.id()
	r.CreatedAt = time.Now()
	m.RestingOrders[r.ID] = *r
	return nil
}

func (m *MemoryStore) DeleteRestingOrder(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteRestingOrder"); err != nil {
		return err
	}
	delete(m.RestingOrders, id)
	return nil
}

func (m *MemoryStore) DeleteRestingOrdersByParent(ctx context.Context, parentOrderID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteRestingOrdersByParent"); err != nil {
		return 0, err
	}
	var n int64
	for id, r := range m.RestingOrders {
		if r.ParentOrderID == parentOrderID {
			delete(m.RestingOrders, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListRestingOrders(ctx context.Context, token string) ([]models.RestingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListRestingOrders"); err != nil {
		return nil, err
	}
	var out []models.RestingOrder
	for _, r := range m.RestingOrders {
		if r.TokenAddress == token {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListAllRestingOrders(ctx context.Context) ([]models.RestingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListAllRestingOrders"); err != nil {
		return nil, err
	}
	out := make([]models.RestingOrder, 0, len(m.RestingOrders))
	for _, r := range m.RestingOrders {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Master transactions

func (m *MemoryStore) CreateMasterTransaction(ctx context.Context, tx *models.MasterTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateMasterTransaction"); err != nil {
		return err
	}
	if tx.Status == "" {
		tx.Status = models.TxStatusRunning
	}
	tx.CreatedAt = time.Now()
	m.Transactions[tx.ID] = *tx
	return nil
}

func (m *MemoryStore) GetMasterTransaction(ctx context.Context, id string) (*models.MasterTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetMasterTransaction"); err != nil {
		return nil, err
	}
	tx, ok := m.Transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tx, nil
}

func (m *MemoryStore) UpdateMasterTransaction(ctx context.Context, tx *models.MasterTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateMasterTransaction"); err != nil {
		return err
	}
	if _, ok := m.Transactions[tx.ID]; !ok {
		return ErrNotFound
	}
	tx.UpdatedAt = time.Now()
	m.Transactions[tx.ID] = *tx
	return nil
}

func (m *MemoryStore) TransitionMasterTransaction(ctx context.Context, id string, from []models.TransactionStatus, to models.TransactionStatus, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("TransitionMasterTransaction"); err != nil {
		return false, err
	}
	tx, ok := m.Transactions[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, s := range from {
		if tx.Status == s {
			tx.Status = to
			if message != "" {
				tx.Message = message
			}
			tx.UpdatedAt = time.Now()
			m.Transactions[id] = tx
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListPendingLimitTransactions(ctx context.Context, token string) ([]models.MasterTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListPendingLimitTransactions"); err != nil {
		return nil, err
	}
	var out []models.MasterTransaction
	for _, tx := range m.Transactions {
		if tx.TokenAddress == token && tx.Status == models.TxStatusRunning && tx.OrderKind == models.OrderKindLimit {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListRunningTransactions(ctx context.Context, limit int) ([]models.MasterTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListRunningTransactions"); err != nil {
		return nil, err
	}
	var out []models.MasterTransaction
	for _, tx := range m.Transactions {
		if tx.Status == models.TxStatusRunning {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListMasterTransactions(ctx context.Context, masterID uint, limit int) ([]models.MasterTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListMasterTransactions"); err != nil {
		return nil, err
	}
	var out []models.MasterTransaction
	for _, tx := range m.Transactions {
		if tx.MasterID == masterID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Replica details

func (m *MemoryStore) CreateReplicaDetails(ctx context.Context, details []models.ReplicaDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateReplicaDetails"); err != nil {
		return err
	}
	for i := range details {
		details[i].ID = m.id()
		details[i].CreatedAt = time.Now()
		m.Details[details[i].ID] = details[i]
	}
	return nil
}

func (m *MemoryStore) ListReplicaDetails(ctx context.Context, transactionID string) ([]models.ReplicaDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListReplicaDetails"); err != nil {
		return nil, err
	}
	var out []models.ReplicaDetail
	for _, d := range m.Details {
		if d.TransactionID == transactionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateReplicaDetail(ctx context.Context, detail *models.ReplicaDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateReplicaDetail"); err != nil {
		return err
	}
	if _, ok := m.Details[detail.ID]; !ok {
		return ErrNotFound
	}
	detail.UpdatedAt = time.Now()
	m.Details[detail.ID] = *detail
	return nil
}

// Fees

func (m *MemoryStore) CreateFeeCharge(ctx context.Context, fee *models.FeeCharge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateFeeCharge"); err != nil {
		return err
	}
	fee.ID = m.id()
	fee.CreatedAt = time.Now()
	m.FeeCharges = append(m.FeeCharges, *fee)
	return nil
}
