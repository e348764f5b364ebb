package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	minFixedPrice = decimal.RequireFromString("0.01")
	minFixedRatio = decimal.NewFromInt(1)
	maxFixedRatio = decimal.NewFromInt(100)
)

// GroupInput is the editable part of a group
type GroupInput struct {
	Name       string            `json:"name"`
	CopyPolicy models.CopyPolicy `json:"copy_policy"`
	FixedPrice decimal.Decimal   `json:"fixed_price"`
	FixedRatio decimal.Decimal   `json:"fixed_ratio"`
}

// MemberFailure explains why one member could not be added
type MemberFailure struct {
	MemberID uint   `json:"member_id"`
	Reason   string `json:"reason"`
}

// AddMembersResult reports the per-member outcome of AddMembers
type AddMembersResult struct {
	Success []uint          `json:"success"`
	Failed  []MemberFailure `json:"failed"`
}

// GroupRegistry manages a master's copy groups and their memberships
type GroupRegistry struct {
	store storage.Store
	log   *logrus.Entry
}

// NewGroupRegistry creates a registry on store
func NewGroupRegistry(store storage.Store) *GroupRegistry {
	return &GroupRegistry{
		store: store,
		log:   logrus.WithField("component", "groups"),
	}
}

// CreateGroup validates input and creates an "on" group for masterID
func (r *GroupRegistry) CreateGroup(ctx context.Context, masterID uint, in GroupInput) (*models.Group, error) {
	if err := normalizeGroupInput(&in); err != nil {
		return nil, err
	}

	groups, err := r.store.ListGroups(ctx, masterID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if !g.Status.IsRetired() && strings.EqualFold(g.Name, in.Name) {
			return nil, ErrDuplicateName
		}
	}

	group := &models.Group{
		OwnerMasterID: masterID,
		Name:          in.Name,
		CopyPolicy:    in.CopyPolicy,
		FixedPrice:    in.FixedPrice,
		FixedRatio:    in.FixedRatio,
		Status:        models.GroupOn,
	}
	if err := r.store.CreateGroup(ctx, group); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{"group_id": group.ID, "master_id": masterID, "policy": group.CopyPolicy}).Info("Group created")
	return group, nil
}

// UpdateGroup changes name and policy of a live group. The fixed price or
// ratio must not collide with another live group of the same policy.
func (r *GroupRegistry) UpdateGroup(ctx context.Context, masterID, groupID uint, in GroupInput) (*models.Group, error) {
	group, err := r.owned(ctx, masterID, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status.IsRetired() {
		return nil, ErrGroupDeleted
	}
	if err := normalizeGroupInput(&in); err != nil {
		return nil, err
	}

	groups, err := r.store.ListGroups(ctx, masterID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.ID == group.ID || g.Status.IsRetired() {
			continue
		}
		if strings.EqualFold(g.Name, in.Name) {
			return nil, ErrDuplicateName
		}
		if g.CopyPolicy != in.CopyPolicy {
			continue
		}
		switch in.CopyPolicy {
		case models.PolicyFixedPrice:
			if g.FixedPrice.Equal(in.FixedPrice) {
				return nil, ErrDuplicatePrice
			}
		case models.PolicyFixedRatio:
			if g.FixedRatio.Equal(in.FixedRatio) {
				return nil, ErrDuplicateRatio
			}
		}
	}

	group.Name = in.Name
	group.CopyPolicy = in.CopyPolicy
	group.FixedPrice = in.FixedPrice
	group.FixedRatio = in.FixedRatio
	if err := r.store.UpdateGroup(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

// SetGroupStatus switches a group on or off, or deletes it. Deletion is
// one-way and removes the group's memberships in the same transaction.
func (r *GroupRegistry) SetGroupStatus(ctx context.Context, masterID, groupID uint, status models.GroupStatus) (*models.Group, error) {
	switch status {
	case models.GroupOn, models.GroupOff, models.GroupDelete:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	group, err := r.owned(ctx, masterID, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status.IsRetired() {
		return nil, ErrGroupDeleted
	}
	if group.Status == status {
		return group, nil
	}

	if status != models.GroupDelete {
		group.Status = status
		if err := r.store.UpdateGroup(ctx, group); err != nil {
			return nil, err
		}
		return group, nil
	}

	var removed int64
	err = r.store.WithTx(ctx, func(tx storage.Store) error {
		group.Status = models.GroupDelete
		if err := tx.UpdateGroup(ctx, group); err != nil {
			return err
		}
		n, err := tx.DeleteMembershipsByGroup(ctx, group.ID)
		removed = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete group %d: %w", group.ID, err)
	}

	r.log.WithFields(logrus.Fields{"group_id": group.ID, "memberships_removed": removed}).Info("Group deleted")
	return group, nil
}

// AddMembers adds each member to the group independently. A member whose
// membership sits in another of the master's groups (including a retired
// one) is moved rather than duplicated.
func (r *GroupRegistry) AddMembers(ctx context.Context, masterID, groupID uint, memberIDs []uint) (*AddMembersResult, error) {
	group, err := r.owned(ctx, masterID, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status.IsRetired() {
		return nil, ErrGroupDeleted
	}

	result := &AddMembersResult{Success: []uint{}, Failed: []MemberFailure{}}
	for _, memberID := range memberIDs {
		if reason := r.addMember(ctx, group, memberID); reason != "" {
			result.Failed = append(result.Failed, MemberFailure{MemberID: memberID, Reason: reason})
			continue
		}
		result.Success = append(result.Success, memberID)
	}

	r.log.WithFields(logrus.Fields{
		"group_id": group.ID,
		"success":  len(result.Success),
		"failed":   len(result.Failed),
	}).Info("Members added to group")
	return result, nil
}

func (r *GroupRegistry) addMember(ctx context.Context, group *models.Group, memberID uint) string {
	conn, err := r.store.LatestConnection(ctx, group.OwnerMasterID, memberID)
	if err != nil || conn.Status != models.ConnectionConnect {
		return ReasonNotConnected
	}

	existing, err := r.store.FindMembership(ctx, group.OwnerMasterID, memberID)
	switch {
	case err == nil && existing.GroupID == group.ID:
		return ReasonAlreadyJoined
	case err == nil:
		existing.GroupID = group.ID
		existing.Status = models.MembershipRunning
		if err := r.store.UpdateMembership(ctx, existing); err != nil {
			r.log.WithError(err).WithField("member_id", memberID).Error("Failed to move membership")
			return ReasonStoreError
		}
		return ""
	case !errors.Is(err, storage.ErrNotFound):
		r.log.WithError(err).WithField("member_id", memberID).Error("Failed to look up membership")
		return ReasonStoreError
	}

	ms := &models.GroupMembership{GroupID: group.ID, MemberID: memberID, Status: models.MembershipRunning}
	if err := r.store.CreateMembership(ctx, ms); err != nil {
		r.log.WithError(err).WithField("member_id", memberID).Error("Failed to create membership")
		return ReasonStoreError
	}
	return ""
}

// SetMembershipStatus pauses or resumes a member inside the master's groups
func (r *GroupRegistry) SetMembershipStatus(ctx context.Context, masterID, memberID uint, status models.MembershipStatus) (*models.GroupMembership, error) {
	if status != models.MembershipRunning && status != models.MembershipPause {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	ms, err := r.store.FindMembership(ctx, masterID, memberID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	ms.Status = status
	if err := r.store.UpdateMembership(ctx, ms); err != nil {
		return nil, err
	}
	return ms, nil
}

// ListGroups returns all of the master's groups that are not force-retired
func (r *GroupRegistry) ListGroups(ctx context.Context, masterID uint) ([]models.Group, error) {
	groups, err := r.store.ListGroups(ctx, masterID)
	if err != nil {
		return nil, err
	}
	out := groups[:0]
	for _, g := range groups {
		if g.Status != models.GroupDeleteHidden {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *GroupRegistry) owned(ctx context.Context, masterID, groupID uint) (*models.Group, error) {
	group, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	if group.OwnerMasterID != masterID {
		return nil, ErrPermissionDenied
	}
	return group, nil
}

func normalizeGroupInput(in *GroupInput) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return ErrInvalidName
	}
	if !in.CopyPolicy.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, in.CopyPolicy)
	}

	switch in.CopyPolicy {
	case models.PolicyFixedPrice:
		if in.FixedPrice.LessThan(minFixedPrice) {
			return ErrInvalidFixedPrice
		}
		in.FixedRatio = decimal.Zero
	case models.PolicyFixedRatio:
		if in.FixedRatio.LessThan(minFixedRatio) || in.FixedRatio.GreaterThan(maxFixedRatio) {
			return ErrInvalidFixedRatio
		}
		in.FixedPrice = decimal.Zero
	case models.PolicyTrackingRatio:
		in.FixedPrice = decimal.Zero
		in.FixedRatio = decimal.Zero
	}
	return nil
}
