package registry

import (
	"context"
	"errors"
	"fmt"

	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/sirupsen/logrus"
)

// TierChange reports what a tier change retired
type TierChange struct {
	Account           *models.Account `json:"account"`
	HiddenGroups      int64           `json:"hidden_groups"`
	HiddenConnections int64           `json:"hidden_connections"`
}

// TierManager switches masters between the regular and VIP tiers
type TierManager struct {
	store storage.Store
	log   *logrus.Entry
}

// NewTierManager creates a tier manager on store
func NewTierManager(store storage.Store) *TierManager {
	return &TierManager{
		store: store,
		log:   logrus.WithField("component", "tiers"),
	}
}

// ChangeTier moves a master to tier. Sizing and approval rules differ per
// tier, so every group and connection of the master is retired as
// delete-hidden in the same transaction and members have to reconnect.
// Requesting the current tier changes nothing.
func (m *TierManager) ChangeTier(ctx context.Context, masterID uint, tier models.Tier) (*TierChange, error) {
	if tier != models.TierRegular && tier != models.TierVIP {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	account, err := m.store.GetAccount(ctx, masterID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if account.Tier == tier {
		return &TierChange{Account: account}, nil
	}

	change := &TierChange{}
	err = m.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateAccountTier(ctx, masterID, tier); err != nil {
			return err
		}
		groups, err := tx.HideGroups(ctx, masterID)
		if err != nil {
			return err
		}
		conns, err := tx.HideConnections(ctx, masterID)
		if err != nil {
			return err
		}
		change.HiddenGroups, change.HiddenConnections = groups, conns
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to change tier: %w", err)
	}

	account.Tier = tier
	change.Account = account

	m.log.WithFields(logrus.Fields{
		"master_id":          masterID,
		"tier":               tier,
		"hidden_groups":      change.HiddenGroups,
		"hidden_connections": change.HiddenConnections,
	}).Warn("Master tier changed, groups and connections retired")
	return change, nil
}
