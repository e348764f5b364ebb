package database

import (
	"context"
	"testing"

	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedDataIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	created, err := SeedData(ctx, store, "SOL")
	require.NoError(t, err)
	require.Len(t, created, len(seedAccounts))

	vip, err := store.GetAccountByWallet(ctx, "DevMasterVip")
	require.NoError(t, err)
	assert.Equal(t, models.TierVIP, vip.Tier)

	balance, err := store.GetBalance(ctx, vip.ID, "SOL")
	require.NoError(t, err)
	assert.Equal(t, "250", balance.String())

	again, err := SeedData(ctx, store, "SOL")
	require.NoError(t, err)
	assert.Empty(t, again)
}
