package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"copytrade-engine/internal/lock"
	"copytrade-engine/internal/matcher"
	"copytrade-engine/internal/venue"
	"copytrade-engine/pkg/config"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "TokenMint"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeCapturer struct {
	mu       sync.Mutex
	captured []*models.Order
	balances []decimal.Decimal
	aborted  map[string]error
	fail     error
}

func (f *fakeCapturer) Capture(_ context.Context, order *models.Order, balance decimal.Decimal) (*models.MasterTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	cp := *order
	f.captured = append(f.captured, &cp)
	f.balances = append(f.balances, balance)
	return &models.MasterTransaction{ID: uuid.New().String(), LinkedOriginOrderID: order.ID}, nil
}

func (f *fakeCapturer) Abort(_ context.Context, txID string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aborted == nil {
		f.aborted = make(map[string]error)
	}
	f.aborted[txID] = cause
	return nil
}

type fakeFeed struct {
	tokens []string
}

func (f *fakeFeed) Subscribe(_ context.Context, token string) error {
	f.tokens = append(f.tokens, token)
	return nil
}

type harness struct {
	store    *storage.MemoryStore
	venue    *venue.PaperAdapter
	index    *matcher.Index
	capturer *fakeCapturer
	feed     *fakeFeed
	service  *Service
	trader   *models.Account
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		venue:    venue.NewPaperAdapter(venue.Jupiter, d("4")),
		index:    matcher.NewIndex(),
		capturer: &fakeCapturer{},
		feed:     &fakeFeed{},
	}
	h.service = NewService("SOL", 1, Deps{
		Store:    h.store,
		Venues:   venue.NewExecutor([]venue.Adapter{h.venue}, venue.ExecutorConfig{Retries: 2}),
		Locks:    lock.NewCoordinator(lock.NewMemoryLocker(), nil, config.LockConfig{Retries: 1, RetryDelay: time.Millisecond}),
		Index:    h.index,
		Capturer: h.capturer,
		Feed:     h.feed,
	})

	h.trader = &models.Account{WalletAddress: "Trader", SigningKeyRef: "trader-key"}
	require.NoError(t, h.store.CreateAccount(context.Background(), h.trader))
	require.NoError(t, h.store.SetBalance(context.Background(), h.trader.ID, "SOL", d("10")))
	return h
}

// follow gives the trader one connected member
func (h *harness) follow(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	member := &models.Account{WalletAddress: "Follower"}
	require.NoError(t, h.store.CreateAccount(ctx, member))
	g := &models.Group{OwnerMasterID: h.trader.ID, Name: "g", CopyPolicy: models.PolicyTrackingRatio, Status: models.GroupOn}
	require.NoError(t, h.store.CreateGroup(ctx, g))
	require.NoError(t, h.store.CreateConnection(ctx, &models.Connection{MasterID: h.trader.ID, MemberID: member.ID, Status: models.ConnectionConnect}))
	require.NoError(t, h.store.CreateMembership(ctx, &models.GroupMembership{GroupID: g.ID, MemberID: member.ID, Status: models.MembershipRunning}))
}

func TestPlaceValidates(t *testing.T) {
	h := newHarness(t)
	base := PlaceRequest{AccountID: h.trader.ID, Token: token, Side: models.SideBuy, Kind: models.OrderKindLimit, Price: d("1"), Quantity: d("1")}

	tests := []struct {
		name   string
		modify func(r *PlaceRequest)
	}{
		{"missing token", func(r *PlaceRequest) { r.Token = " " }},
		{"bad side", func(r *PlaceRequest) { r.Side = "hold" }},
		{"bad kind", func(r *PlaceRequest) { r.Kind = "stop" }},
		{"zero quantity", func(r *PlaceRequest) { r.Quantity = decimal.Zero }},
		{"limit without price", func(r *PlaceRequest) { r.Price = decimal.Zero }},
		{"slippage above 100", func(r *PlaceRequest) { r.Slippage = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.modify(&req)
			_, err := h.service.Place(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}

	base.AccountID = 999
	_, err := h.service.Place(context.Background(), base)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPlaceMarketOrderExecutes(t *testing.T) {
	h := newHarness(t)

	order, err := h.service.Place(context.Background(), PlaceRequest{
		AccountID: h.trader.ID,
		Token:     token,
		Side:      models.SideBuy,
		Kind:      models.OrderKindMarket,
		Quantity:  d("2"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuted, order.Status)
	assert.True(t, order.OutputAmount.Equal(d("8")))
	assert.True(t, order.PriceMatching.Equal(d("0.25")), order.PriceMatching.String())
	assert.Equal(t, 1.0, order.Slippage)
	assert.Empty(t, order.MasterTransactionID, "no followers, nothing captured")
	assert.Empty(t, h.capturer.captured)

	stored, err := h.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuted, stored.Status)
}

func TestPlaceMarketOrderCapturesMasterTrade(t *testing.T) {
	h := newHarness(t)
	h.follow(t)

	order, err := h.service.Place(context.Background(), PlaceRequest{
		AccountID: h.trader.ID,
		Token:     token,
		Side:      models.SideBuy,
		Kind:      models.OrderKindMarket,
		Quantity:  d("2"),
	})
	require.NoError(t, err)
	require.Len(t, h.capturer.captured, 1)
	assert.True(t, h.capturer.balances[0].Equal(d("10")), "pre-trade balance of the spent asset")
	assert.Equal(t, models.OrderStatusExecuted, h.capturer.captured[0].Status)
	assert.NotEmpty(t, order.MasterTransactionID)
}

func TestPlaceFailedMarketOrderIsNotCaptured(t *testing.T) {
	h := newHarness(t)
	h.follow(t)
	h.venue.FailWith(errors.New("transaction timed out"), errors.New("transaction timed out"))

	order, err := h.service.Place(context.Background(), PlaceRequest{
		AccountID: h.trader.ID,
		Token:     token,
		Side:      models.SideSell,
		Kind:      models.OrderKindMarket,
		Quantity:  d("2"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, "Transaction timeout", order.Message)
	assert.Empty(t, h.capturer.captured)
}

func TestPlaceLimitOrderRests(t *testing.T) {
	h := newHarness(t)
	h.follow(t)

	order, err := h.service.Place(context.Background(), PlaceRequest{
		AccountID: h.trader.ID,
		Token:     token,
		Side:      models.SideBuy,
		Kind:      models.OrderKindLimit,
		Price:     d("0.5"),
		Quantity:  d("3"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.NotEmpty(t, order.MasterTransactionID)
	require.Len(t, h.store.RestingOrders, 1)
	for _, r := range h.store.RestingOrders {
		assert.Equal(t, order.ID, r.ParentOrderID)
		assert.True(t, r.Price.Equal(d("0.5")))
	}
	assert.True(t, h.index.MightMatch(token, d("0.4")))
	assert.Empty(t, h.venue.Requests())
	assert.Equal(t, []string{token}, h.feed.tokens)
}

func TestPlaceLimitOrderCaptureFailureRejectsOrder(t *testing.T) {
	h := newHarness(t)
	h.follow(t)
	h.capturer.fail = errors.New("db down")

	_, err := h.service.Place(context.Background(), PlaceRequest{
		AccountID: h.trader.ID,
		Token:     token,
		Side:      models.SideBuy,
		Kind:      models.OrderKindLimit,
		Price:     d("0.5"),
		Quantity:  d("3"),
	})
	require.Error(t, err)
	assert.Empty(t, h.store.RestingOrders)
	for _, o := range h.store.Orders {
		assert.Equal(t, models.OrderStatusFailed, o.Status)
	}
}

func TestCancelLimitOrder(t *testing.T) {
	h := newHarness(t)
	h.follow(t)
	ctx := context.Background()

	order, err := h.service.Place(ctx, PlaceRequest{
		AccountID: h.trader.ID,
		Token:     token,
		Side:      models.SideSell,
		Kind:      models.OrderKindLimit,
		Price:     d("2"),
		Quantity:  d("3"),
	})
	require.NoError(t, err)

	_, err = h.service.Cancel(ctx, h.trader.ID+1, order.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	canceled, err := h.service.Cancel(ctx, h.trader.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, canceled.Status)
	assert.Empty(t, h.store.RestingOrders)
	assert.False(t, h.index.MightMatch(token, d("5")))
	assert.ErrorIs(t, h.capturer.aborted[order.MasterTransactionID], ErrOrderCanceled)

	_, err = h.service.Cancel(ctx, h.trader.ID, order.ID)
	assert.ErrorIs(t, err, ErrNotCancelable)

	_, err = h.service.Cancel(ctx, h.trader.ID, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
