package registry

import (
	"context"
	"errors"
	"fmt"

	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// masterTransitions lists the statuses a master may move a connection to
var masterTransitions = map[models.ConnectionStatus][]models.ConnectionStatus{
	models.ConnectionBlock:   {models.ConnectionPause},
	models.ConnectionPause:   {models.ConnectionBlock, models.ConnectionConnect},
	models.ConnectionPending: {models.ConnectionConnect, models.ConnectionBlock},
	models.ConnectionConnect: {models.ConnectionBlock},
}

// memberTransitions lists, per requested status, the current statuses a
// member may move from. Requests for connect are handled by RequestConnect.
var memberTransitions = map[models.ConnectionStatus][]models.ConnectionStatus{
	models.ConnectionPause:      {models.ConnectionConnect},
	models.ConnectionDisconnect: {models.ConnectionConnect, models.ConnectionPause, models.ConnectionPending},
	models.ConnectionDelete:     {models.ConnectionConnect, models.ConnectionPause, models.ConnectionPending, models.ConnectionDisconnect},
}

func allowed(list []models.ConnectionStatus, s models.ConnectionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ConnectRequest carries the member supplied limits of a connect request
type ConnectRequest struct {
	LimitOption models.LimitOption `json:"limit_option"`
	PriceLimit  decimal.Decimal    `json:"price_limit"`
	RatioLimit  decimal.Decimal    `json:"ratio_limit"`
}

// ConnectionStatus is the answer of Status
type ConnectionStatus struct {
	Connected  bool               `json:"is_connected"`
	Connection *models.Connection `json:"active_connection,omitempty"`
}

// ConnectionRegistry manages master/member connections
type ConnectionRegistry struct {
	store storage.Store
	log   *logrus.Entry
}

// NewConnectionRegistry creates a registry on store
func NewConnectionRegistry(store storage.Store) *ConnectionRegistry {
	return &ConnectionRegistry{
		store: store,
		log:   logrus.WithField("component", "connections"),
	}
}

// RequestConnect connects memberID to the master owning masterWallet. VIP
// masters need approval, so the connection starts pending and member limits
// are discarded. An existing paused or pending relationship is updated in
// place rather than duplicated.
func (r *ConnectionRegistry) RequestConnect(ctx context.Context, memberID uint, masterWallet string, req ConnectRequest) (*models.Connection, error) {
	master, err := r.store.GetAccountByWallet(ctx, masterWallet)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if master.ID == memberID {
		return nil, ErrSelfConnect
	}
	if _, err := r.store.GetAccount(ctx, memberID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	if err := validateLimits(&req); err != nil {
		return nil, err
	}

	target := models.ConnectionConnect
	if master.IsVIP() {
		target = models.ConnectionPending
		req = ConnectRequest{LimitOption: models.LimitOptionDefault}
	}

	latest, err := r.latest(ctx, master.ID, memberID)
	if err != nil {
		return nil, err
	}

	if latest != nil {
		switch {
		case latest.Status == models.ConnectionBlock:
			return nil, ErrBlocked
		case latest.Status == models.ConnectionConnect || latest.Status == models.ConnectionPending:
			return nil, ErrAlreadyActive
		case !latest.Status.IsTerminal():
			latest.Status = target
			latest.LimitOption = req.LimitOption
			latest.PriceLimit = req.PriceLimit
			latest.RatioLimit = req.RatioLimit
			if err := r.store.UpdateConnection(ctx, latest); err != nil {
				return nil, err
			}
			r.logChange(latest, "member")
			return latest, nil
		}
	}

	conn := &models.Connection{
		MasterID:    master.ID,
		MemberID:    memberID,
		Status:      target,
		LimitOption: req.LimitOption,
		PriceLimit:  req.PriceLimit,
		RatioLimit:  req.RatioLimit,
	}
	if err := r.store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}
	r.logChange(conn, "member")
	return conn, nil
}

// SetByMaster applies a master decision to one of its connections
func (r *ConnectionRegistry) SetByMaster(ctx context.Context, masterID, connectionID uint, status models.ConnectionStatus) (*models.Connection, error) {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	if conn.MasterID != masterID {
		return nil, ErrPermissionDenied
	}

	if conn.Status == models.ConnectionConnect && status == models.ConnectionConnect {
		return nil, ErrAlreadyActive
	}
	if !allowed(masterTransitions[conn.Status], status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, conn.Status, status)
	}

	conn.Status = status
	if err := r.store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}
	r.logChange(conn, "master")
	return conn, nil
}

// SetByMember applies a member decision to its relationship with masterID.
// Requesting connect re-runs the connect flow, so a VIP master yields pending
// again.
func (r *ConnectionRegistry) SetByMember(ctx context.Context, memberID, masterID uint, status models.ConnectionStatus, req ConnectRequest) (*models.Connection, error) {
	if status == models.ConnectionConnect {
		master, err := r.store.GetAccount(ctx, masterID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrAccountNotFound
			}
			return nil, err
		}
		return r.RequestConnect(ctx, memberID, master.WalletAddress, req)
	}

	from, ok := memberTransitions[status]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	conn, err := r.latest(ctx, masterID, memberID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}
	if conn.Status == models.ConnectionBlock {
		return nil, ErrBlocked
	}
	if !allowed(from, conn.Status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, conn.Status, status)
	}

	conn.Status = status
	if err := r.store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}
	r.logChange(conn, "member")
	return conn, nil
}

// Status reports the authoritative connection between a master and a member
func (r *ConnectionRegistry) Status(ctx context.Context, masterID, memberID uint) (*ConnectionStatus, error) {
	conn, err := r.latest(ctx, masterID, memberID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return &ConnectionStatus{}, nil
	}
	return &ConnectionStatus{
		Connected:  conn.Status == models.ConnectionConnect,
		Connection: conn,
	}, nil
}

func (r *ConnectionRegistry) latest(ctx context.Context, masterID, memberID uint) (*models.Connection, error) {
	conn, err := r.store.LatestConnection(ctx, masterID, memberID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return conn, err
}

func (r *ConnectionRegistry) logChange(conn *models.Connection, actor string) {
	r.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"master_id":     conn.MasterID,
		"member_id":     conn.MemberID,
		"status":        conn.Status,
		"actor":         actor,
	}).Info("Connection updated")
}

var hundred = decimal.NewFromInt(100)

func validateLimits(req *ConnectRequest) error {
	switch req.LimitOption {
	case "", models.LimitOptionDefault:
		req.LimitOption = models.LimitOptionDefault
		req.PriceLimit = decimal.Zero
		req.RatioLimit = decimal.Zero
		return nil
	case models.LimitOptionCustom:
	default:
		return fmt.Errorf("%w: unknown option %q", ErrInvalidLimit, req.LimitOption)
	}

	if req.PriceLimit.IsNegative() {
		return fmt.Errorf("%w: price limit must not be negative", ErrInvalidLimit)
	}
	if req.RatioLimit.IsNegative() || req.RatioLimit.GreaterThan(hundred) {
		return fmt.Errorf("%w: ratio limit must be within 0 and 100", ErrInvalidLimit)
	}
	if req.PriceLimit.IsZero() && req.RatioLimit.IsZero() {
		return fmt.Errorf("%w: custom option needs a price or ratio limit", ErrInvalidLimit)
	}
	return nil
}
