package registry

import (
	"context"
	"testing"

	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *storage.MemoryStore
	conns   *ConnectionRegistry
	groups  *GroupRegistry
	tiers   *TierManager
	master  *models.Account
	members []*models.Account
}

func newFixture(t *testing.T, tier models.Tier, members int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	master := &models.Account{WalletAddress: "MasterWa11et", Tier: tier, IsActive: true}
	require.NoError(t, store.CreateAccount(ctx, master))

	f := &fixture{
		store:  store,
		conns:  NewConnectionRegistry(store),
		groups: NewGroupRegistry(store),
		tiers:  NewTierManager(store),
		master: master,
	}
	for i := 0; i < members; i++ {
		m := &models.Account{WalletAddress: "Member" + string(rune('A'+i)), Tier: models.TierRegular, IsActive: true}
		require.NoError(t, store.CreateAccount(ctx, m))
		f.members = append(f.members, m)
	}
	return f
}

func (f *fixture) connect(t *testing.T, member *models.Account) *models.Connection {
	t.Helper()
	conn, err := f.conns.RequestConnect(context.Background(), member.ID, f.master.WalletAddress, ConnectRequest{})
	require.NoError(t, err)
	if conn.Status == models.ConnectionPending {
		conn, err = f.conns.SetByMaster(context.Background(), f.master.ID, conn.ID, models.ConnectionConnect)
		require.NoError(t, err)
	}
	return conn
}

func TestRequestConnectRegularMaster(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	req := ConnectRequest{LimitOption: models.LimitOptionCustom, PriceLimit: decimal.NewFromInt(2), RatioLimit: decimal.NewFromInt(50)}

	conn, err := f.conns.RequestConnect(context.Background(), f.members[0].ID, f.master.WalletAddress, req)
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionConnect, conn.Status)
	assert.Equal(t, models.LimitOptionCustom, conn.LimitOption)
	assert.True(t, conn.PriceLimit.Equal(decimal.NewFromInt(2)))

	st, err := f.conns.Status(context.Background(), f.master.ID, f.members[0].ID)
	require.NoError(t, err)
	assert.True(t, st.Connected)
}

func TestRequestConnectVIPMasterIsPendingWithNeutralLimits(t *testing.T) {
	f := newFixture(t, models.TierVIP, 1)
	req := ConnectRequest{LimitOption: models.LimitOptionCustom, PriceLimit: decimal.NewFromInt(5), RatioLimit: decimal.NewFromInt(30)}

	conn, err := f.conns.RequestConnect(context.Background(), f.members[0].ID, f.master.WalletAddress, req)
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionPending, conn.Status)
	assert.Equal(t, models.LimitOptionDefault, conn.LimitOption)
	assert.True(t, conn.PriceLimit.IsZero())
	assert.True(t, conn.RatioLimit.IsZero())

	st, err := f.conns.Status(context.Background(), f.master.ID, f.members[0].ID)
	require.NoError(t, err)
	assert.False(t, st.Connected)
}

func TestRequestConnectRejectsSelfAndUnknownMaster(t *testing.T) {
	f := newFixture(t, models.TierRegular, 0)

	_, err := f.conns.RequestConnect(context.Background(), f.master.ID, f.master.WalletAddress, ConnectRequest{})
	assert.ErrorIs(t, err, ErrSelfConnect)

	_, err = f.conns.RequestConnect(context.Background(), f.master.ID, "nobody", ConnectRequest{})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRequestConnectRejectsInvalidCustomLimits(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)

	tests := []struct {
		name string
		req  ConnectRequest
	}{
		{"ratio above 100", ConnectRequest{LimitOption: models.LimitOptionCustom, RatioLimit: decimal.NewFromInt(101)}},
		{"negative price", ConnectRequest{LimitOption: models.LimitOptionCustom, PriceLimit: decimal.NewFromInt(-1)}},
		{"custom without limits", ConnectRequest{LimitOption: models.LimitOptionCustom}},
		{"unknown option", ConnectRequest{LimitOption: "weird"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.conns.RequestConnect(context.Background(), f.members[0].ID, f.master.WalletAddress, tt.req)
			assert.ErrorIs(t, err, ErrInvalidLimit)
		})
	}
}

func TestMasterTransitionTable(t *testing.T) {
	tests := []struct {
		from    models.ConnectionStatus
		to      models.ConnectionStatus
		wantErr error
	}{
		{models.ConnectionBlock, models.ConnectionPause, nil},
		{models.ConnectionBlock, models.ConnectionConnect, ErrInvalidTransition},
		{models.ConnectionBlock, models.ConnectionDisconnect, ErrInvalidTransition},
		{models.ConnectionPause, models.ConnectionBlock, nil},
		{models.ConnectionPause, models.ConnectionConnect, nil},
		{models.ConnectionPending, models.ConnectionConnect, nil},
		{models.ConnectionPending, models.ConnectionBlock, nil},
		{models.ConnectionPending, models.ConnectionPause, ErrInvalidTransition},
		{models.ConnectionConnect, models.ConnectionBlock, nil},
		{models.ConnectionConnect, models.ConnectionConnect, ErrAlreadyActive},
		{models.ConnectionConnect, models.ConnectionPause, ErrInvalidTransition},
		{models.ConnectionDisconnect, models.ConnectionConnect, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			f := newFixture(t, models.TierRegular, 1)
			conn := &models.Connection{MasterID: f.master.ID, MemberID: f.members[0].ID, Status: tt.from}
			require.NoError(t, f.store.CreateConnection(context.Background(), conn))

			got, err := f.conns.SetByMaster(context.Background(), f.master.ID, conn.ID, tt.to)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.Status)
		})
	}
}

func TestSetByMasterRequiresOwnership(t *testing.T) {
	f := newFixture(t, models.TierRegular, 2)
	conn := f.connect(t, f.members[0])

	_, err := f.conns.SetByMaster(context.Background(), f.members[1].ID, conn.ID, models.ConnectionBlock)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.conns.SetByMaster(context.Background(), f.master.ID, 9999, models.ConnectionBlock)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestBlockOnlyLiftedByMasterToPause(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	ctx := context.Background()
	member := f.members[0]
	conn := f.connect(t, member)

	_, err := f.conns.SetByMaster(ctx, f.master.ID, conn.ID, models.ConnectionBlock)
	require.NoError(t, err)

	for _, status := range []models.ConnectionStatus{models.ConnectionPause, models.ConnectionDisconnect, models.ConnectionDelete} {
		_, err = f.conns.SetByMember(ctx, member.ID, f.master.ID, status, ConnectRequest{})
		assert.ErrorIs(t, err, ErrBlocked, "member %s", status)
	}
	_, err = f.conns.RequestConnect(ctx, member.ID, f.master.WalletAddress, ConnectRequest{})
	assert.ErrorIs(t, err, ErrBlocked)

	_, err = f.conns.SetByMaster(ctx, f.master.ID, conn.ID, models.ConnectionConnect)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	lifted, err := f.conns.SetByMaster(ctx, f.master.ID, conn.ID, models.ConnectionPause)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionPause, lifted.Status)
}

func TestMemberActionsUpdateInsteadOfDuplicating(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	ctx := context.Background()
	member := f.members[0]
	first := f.connect(t, member)

	paused, err := f.conns.SetByMember(ctx, member.ID, f.master.ID, models.ConnectionPause, ConnectRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, paused.ID)

	resumed, err := f.conns.SetByMember(ctx, member.ID, f.master.ID, models.ConnectionConnect, ConnectRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, resumed.ID)
	assert.Equal(t, models.ConnectionConnect, resumed.Status)
	assert.Equal(t, 1, f.store.CallCount("CreateConnection"))

	_, err = f.conns.RequestConnect(ctx, member.ID, f.master.WalletAddress, ConnectRequest{})
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestMemberReconnectAfterDisconnectCreatesNewRow(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	ctx := context.Background()
	member := f.members[0]
	first := f.connect(t, member)

	_, err := f.conns.SetByMember(ctx, member.ID, f.master.ID, models.ConnectionDisconnect, ConnectRequest{})
	require.NoError(t, err)

	st, err := f.conns.Status(ctx, f.master.ID, member.ID)
	require.NoError(t, err)
	assert.False(t, st.Connected)

	second, err := f.conns.RequestConnect(ctx, member.ID, f.master.WalletAddress, ConnectRequest{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	st, err = f.conns.Status(ctx, f.master.ID, member.ID)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, second.ID, st.Connection.ID)
}

func TestMemberReconnectToVIPIsPendingAgain(t *testing.T) {
	f := newFixture(t, models.TierVIP, 1)
	ctx := context.Background()
	member := f.members[0]
	f.connect(t, member)

	_, err := f.conns.SetByMember(ctx, member.ID, f.master.ID, models.ConnectionPause, ConnectRequest{})
	require.NoError(t, err)

	conn, err := f.conns.SetByMember(ctx, member.ID, f.master.ID, models.ConnectionConnect, ConnectRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionPending, conn.Status)
}

func TestMemberInvalidStatus(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	f.connect(t, f.members[0])

	_, err := f.conns.SetByMember(context.Background(), f.members[0].ID, f.master.ID, models.ConnectionBlock, ConnectRequest{})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestStatusIgnoresDeleteHidden(t *testing.T) {
	f := newFixture(t, models.TierRegular, 1)
	ctx := context.Background()
	f.connect(t, f.members[0])

	_, err := f.store.HideConnections(ctx, f.master.ID)
	require.NoError(t, err)

	st, err := f.conns.Status(ctx, f.master.ID, f.members[0].ID)
	require.NoError(t, err)
	assert.False(t, st.Connected)
	assert.Nil(t, st.Connection)
}
