package registry

import (
	"context"
	"testing"

	"copytrade-engine/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateGroupValidation(t *testing.T) {
	tests := []struct {
		name    string
		in      GroupInput
		wantErr error
	}{
		{"fixed price ok", GroupInput{Name: "p", CopyPolicy: models.PolicyFixedPrice, FixedPrice: d("0.01")}, nil},
		{"fixed price too small", GroupInput{Name: "p", CopyPolicy: models.PolicyFixedPrice, FixedPrice: d("0.009")}, ErrInvalidFixedPrice},
		{"fixed ratio lower bound", GroupInput{Name: "r", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("1")}, nil},
		{"fixed ratio upper bound", GroupInput{Name: "r", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("100")}, nil},
		{"fixed ratio zero", GroupInput{Name: "r", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("0")}, ErrInvalidFixedRatio},
		{"fixed ratio above 100", GroupInput{Name: "r", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("100.5")}, ErrInvalidFixedRatio},
		{"unknown policy", GroupInput{Name: "x", CopyPolicy: "mirror"}, ErrInvalidPolicy},
		{"blank name", GroupInput{Name: "  ", CopyPolicy: models.PolicyTrackingRatio}, ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, models.TierRegular, 0)
			_, err := f.groups.CreateGroup(context.Background(), f.master.ID, tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, f.store.CallCount("CreateGroup"))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCreateGroupTrackingRatioZeroesParameters(t *testing.T) {
	f := newFixture(t, models.TierRegular, 0)
	g, err := f.groups.CreateGroup(context.Background(), f.master.ID, GroupInput{
		Name: "track", CopyPolicy: models.PolicyTrackingRatio, FixedPrice: d("3"), FixedRatio: d("40"),
	})
	require.NoError(t, err)
	assert.True(t, g.FixedPrice.IsZero())
	assert.True(t, g.FixedRatio.IsZero())
	assert.Equal(t, models.GroupOn, g.Status)
}

func TestCreateGroupNameUniqueAmongLiveGroups(t *testing.T) {
	f := newFixture(t, models.TierRegular, 0)
	ctx := context.Background()
	in := GroupInput{Name: "Alpha", CopyPolicy: models.PolicyTrackingRatio}

	g, err := f.groups.CreateGroup(ctx, f.master.ID, in)
	require.NoError(t, err)

	_, err = f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "alpha", CopyPolicy: models.PolicyTrackingRatio})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = f.groups.SetGroupStatus(ctx, f.master.ID, g.ID, models.GroupDelete)
	require.NoError(t, err)

	_, err = f.groups.CreateGroup(ctx, f.master.ID, in)
	assert.NoError(t, err, "name of a deleted group is free again")
}

func TestUpdateGroupRejectsDuplicateParameters(t *testing.T) {
	f := newFixture(t, models.TierRegular, 0)
	ctx := context.Background()

	_, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "a", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("50")})
	require.NoError(t, err)
	b, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "b", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("25")})
	require.NoError(t, err)
	_, err = f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "c", CopyPolicy: models.PolicyFixedPrice, FixedPrice: d("2")})
	require.NoError(t, err)

	_, err = f.groups.UpdateGroup(ctx, f.master.ID, b.ID, GroupInput{Name: "b", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("50")})
	assert.ErrorIs(t, err, ErrDuplicateRatio)

	_, err = f.groups.UpdateGroup(ctx, f.master.ID, b.ID, GroupInput{Name: "b", CopyPolicy: models.PolicyFixedPrice, FixedPrice: d("2")})
	assert.ErrorIs(t, err, ErrDuplicatePrice)

	_, err = f.groups.UpdateGroup(ctx, f.master.ID, b.ID, GroupInput{Name: "a", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("30")})
	assert.ErrorIs(t, err, ErrDuplicateName)

	updated, err := f.groups.UpdateGroup(ctx, f.master.ID, b.ID, GroupInput{Name: "b2", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("30")})
	require.NoError(t, err)
	assert.Equal(t, "b2", updated.Name)
	assert.True(t, updated.FixedRatio.Equal(d("30")))
}

func TestUpdateGroupOwnership(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	ctx := context.Background()
	g, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "a", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)

	_, err = f.groups.UpdateGroup(ctx, f.members[0].ID, g.ID, GroupInput{Name: "x", CopyPolicy: models.PolicyTrackingRatio})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.groups.UpdateGroup(ctx, f.master.ID, 4242, GroupInput{Name: "x", CopyPolicy: models.PolicyTrackingRatio})
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestAddMembersPartialSuccess(t *testing.T) {
	f := newFixture(t, models.TierRegular, 3)
	ctx := context.Background()
	f.connect(t, f.members[0])
	f.connect(t, f.members[1])
	// members[2] never connects

	g, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "g", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)

	res, err := f.groups.AddMembers(ctx, f.master.ID, g.ID, []uint{f.members[0].ID, f.members[1].ID, f.members[2].ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{f.members[0].ID, f.members[1].ID}, res.Success)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, f.members[2].ID, res.Failed[0].MemberID)
	assert.Equal(t, ReasonNotConnected, res.Failed[0].Reason)

	again, err := f.groups.AddMembers(ctx, f.master.ID, g.ID, []uint{f.members[0].ID})
	require.NoError(t, err)
	assert.Empty(t, again.Success)
	require.Len(t, again.Failed, 1)
	assert.Equal(t, ReasonAlreadyJoined, again.Failed[0].Reason)
}

func TestAddMembersMovesExistingMembership(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	ctx := context.Background()
	member := f.members[0]
	f.connect(t, member)

	g1, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "one", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)
	g2, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "two", CopyPolicy: models.PolicyFixedRatio, FixedRatio: d("50")})
	require.NoError(t, err)

	_, err = f.groups.AddMembers(ctx, f.master.ID, g1.ID, []uint{member.ID})
	require.NoError(t, err)
	res, err := f.groups.AddMembers(ctx, f.master.ID, g2.ID, []uint{member.ID})
	require.NoError(t, err)
	assert.Equal(t, []uint{member.ID}, res.Success)

	assert.Len(t, f.store.Memberships, 1)
	ms, err := f.store.FindMembership(ctx, f.master.ID, member.ID)
	require.NoError(t, err)
	assert.Equal(t, g2.ID, ms.GroupID)
}

func TestAddMembersMovesOutOfHiddenGroup(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	ctx := context.Background()
	member := f.members[0]
	f.connect(t, member)

	old, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "old", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)
	_, err = f.groups.AddMembers(ctx, f.master.ID, old.ID, []uint{member.ID})
	require.NoError(t, err)

	_, err = f.store.HideGroups(ctx, f.master.ID)
	require.NoError(t, err)

	fresh, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "old", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)
	res, err := f.groups.AddMembers(ctx, f.master.ID, fresh.ID, []uint{member.ID})
	require.NoError(t, err)
	assert.Equal(t, []uint{member.ID}, res.Success)
	assert.Len(t, f.store.Memberships, 1)
}

func TestSetGroupStatusDeleteCascadesAndIsOneWay(t *testing.T) {
	f := newFixture(t, models.TierRegular, 2)
	ctx := context.Background()
	f.connect(t, f.members[0])
	f.connect(t, f.members[1])

	g, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "g", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)
	_, err = f.groups.AddMembers(ctx, f.master.ID, g.ID, []uint{f.members[0].ID, f.members[1].ID})
	require.NoError(t, err)

	off, err := f.groups.SetGroupStatus(ctx, f.master.ID, g.ID, models.GroupOff)
	require.NoError(t, err)
	assert.Equal(t, models.GroupOff, off.Status)
	on, err := f.groups.SetGroupStatus(ctx, f.master.ID, g.ID, models.GroupOn)
	require.NoError(t, err)
	assert.Equal(t, models.GroupOn, on.Status)
	assert.Len(t, f.store.Memberships, 2)

	deleted, err := f.groups.SetGroupStatus(ctx, f.master.ID, g.ID, models.GroupDelete)
	require.NoError(t, err)
	assert.Equal(t, models.GroupDelete, deleted.Status)
	assert.Empty(t, f.store.Memberships)

	_, err = f.groups.SetGroupStatus(ctx, f.master.ID, g.ID, models.GroupDelete)
	assert.ErrorIs(t, err, ErrGroupDeleted)
	_, err = f.groups.SetGroupStatus(ctx, f.master.ID, g.ID, models.GroupOn)
	assert.ErrorIs(t, err, ErrGroupDeleted)

	stored, err := f.store.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupDelete, stored.Status)
	assert.Empty(t, f.store.Memberships)
	assert.Equal(t, 1, f.store.CallCount("DeleteMembershipsByGroup"))
}

func TestSetGroupStatusRejectsHiddenTarget(t *testing.T) {
	f := newFixture(t, models.TierRegular, 0)
	g, err := f.groups.CreateGroup(context.Background(), f.master.ID, GroupInput{Name: "g", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)

	_, err = f.groups.SetGroupStatus(context.Background(), f.master.ID, g.ID, models.GroupDeleteHidden)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestSetMembershipStatus(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	ctx := context.Background()
	f.connect(t, f.members[0])
	g, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "g", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)
	_, err = f.groups.AddMembers(ctx, f.master.ID, g.ID, []uint{f.members[0].ID})
	require.NoError(t, err)

	ms, err := f.groups.SetMembershipStatus(ctx, f.master.ID, f.members[0].ID, models.MembershipPause)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipPause, ms.Status)

	eligible, err := f.store.ListEligibleMembers(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestChangeTierHidesGroupsAndConnections(t *testing.T) {
	f := newFixture(t, models.TierRegular, 2)
	ctx := context.Background()
	f.connect(t, f.members[0])
	f.connect(t, f.members[1])
	_, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "a", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)
	deleted, err := f.groups.CreateGroup(ctx, f.master.ID, GroupInput{Name: "b", CopyPolicy: models.PolicyTrackingRatio})
	require.NoError(t, err)
	_, err = f.groups.SetGroupStatus(ctx, f.master.ID, deleted.ID, models.GroupDelete)
	require.NoError(t, err)

	change, err := f.tiers.ChangeTier(ctx, f.master.ID, models.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, models.TierVIP, change.Account.Tier)
	assert.Equal(t, int64(1), change.HiddenGroups)
	assert.Equal(t, int64(2), change.HiddenConnections)

	st, err := f.conns.Status(ctx, f.master.ID, f.members[0].ID)
	require.NoError(t, err)
	assert.False(t, st.Connected)

	groups, err := f.groups.ListGroups(ctx, f.master.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, models.GroupDelete, groups[0].Status)

	// Members reconnect from scratch and a VIP master now needs to approve.
	conn, err := f.conns.RequestConnect(ctx, f.members[0].ID, f.master.WalletAddress, ConnectRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionPending, conn.Status)
}

func TestChangeTierSameTierIsNoop(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	f.connect(t, f.members[0])

	change, err := f.tiers.ChangeTier(context.Background(), f.master.ID, models.TierRegular)
	require.NoError(t, err)
	assert.Zero(t, change.HiddenConnections)
	assert.Equal(t, 0, f.store.CallCount("HideConnections"))

	_, err = f.tiers.ChangeTier(context.Background(), f.master.ID, "gold")
	assert.ErrorIs(t, err, ErrInvalidTier)
}
