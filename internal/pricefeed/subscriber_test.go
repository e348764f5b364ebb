package pricefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/matcher"
	"copytrade-engine/internal/subscription"
	"copytrade-engine/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []matcher.PriceUpdate
}

func (r *recordingSink) Submit(u matcher.PriceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type recordingCache struct {
	mu     sync.Mutex
	prices map[string]interface{}
}

func (c *recordingCache) CacheLastPrice(_ context.Context, token string, price interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = make(map[string]interface{})
	}
	c.prices[token] = price
	return nil
}

// feedServer is a price stream that records control frames and lets the
// test push ticks to the connected client
type feedServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	controls []control
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()

		for {
			var msg control
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fs.mu.Lock()
			fs.controls = append(fs.controls, msg)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *feedServer) push(t *testing.T, tick Tick) {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.conns)
	require.NoError(t, fs.conns[len(fs.conns)-1].WriteJSON(tick))
}

func (fs *feedServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
}

func (fs *feedServer) snapshot() (int, []control) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns), append([]control(nil), fs.controls...)
}

func testConfig(url string) config.PriceFeedConfig {
	return config.PriceFeedConfig{
		URL:                  url,
		BaseBackoff:          5 * time.Millisecond,
		MaxBackoff:           20 * time.Millisecond,
		MaxReconnectAttempts: 2,
		PollInterval:         10 * time.Millisecond,
	}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	tokens := subscription.NewMemoryRegistry()
	s := NewSubscriber(testConfig("ws://unused"), tokens, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "A"))
	require.NoError(t, s.Subscribe(ctx, "A"))
	members, err := tokens.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, members)

	require.NoError(t, s.Unsubscribe(ctx, "A"))
	require.NoError(t, s.Unsubscribe(ctx, "A"))
	members, err = tokens.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestTicksReachSinkCacheAndBus(t *testing.T) {
	fs := newFeedServer(t)
	tokens := subscription.NewMemoryRegistry()
	sink := &recordingSink{}
	cache := &recordingCache{}
	bus := events.NewBus()
	var published []events.PriceUpdated
	var pubMu sync.Mutex
	bus.Subscribe(events.TopicPriceUpdated, func(_ context.Context, ev events.Event) {
		pubMu.Lock()
		defer pubMu.Unlock()
		published = append(published, ev.Payload.(events.PriceUpdated))
	})

	s := NewSubscriber(testConfig(fs.wsURL()), tokens, sink, bus, cache)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, "A"))

	s.Start(ctx)
	defer s.Stop()
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, controls := fs.snapshot()
		return len(controls) == 1
	}, time.Second, 5*time.Millisecond)
	_, controls := fs.snapshot()
	assert.Equal(t, control{Op: "subscribe", Tokens: []string{"A"}}, controls[0])

	fs.push(t, Tick{Token: "B", Price: decimal.NewFromInt(9), Timestamp: 1})
	fs.push(t, Tick{Token: "A", Price: decimal.Zero, Timestamp: 2})
	fs.push(t, Tick{Token: "A", Price: decimal.RequireFromString("1.5"), Timestamp: 1700000000000})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	got := sink.updates[0]
	sink.mu.Unlock()
	assert.Equal(t, "A", got.Token)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(1700000000000), got.Timestamp.UnixMilli())

	last, ok := s.LastPrice("A")
	require.True(t, ok)
	assert.True(t, last.Price.Equal(decimal.RequireFromString("1.5")))
	_, ok = s.LastPrice("B")
	assert.False(t, ok, "ticks for unsubscribed tokens are ignored")

	cache.mu.Lock()
	assert.Contains(t, cache.prices, "A")
	cache.mu.Unlock()

	pubMu.Lock()
	require.Len(t, published, 1)
	assert.Equal(t, "A", published[0].Token)
	pubMu.Unlock()
}

func TestSubscribeWhileConnectedSendsFrame(t *testing.T) {
	fs := newFeedServer(t)
	s := NewSubscriber(testConfig(fs.wsURL()), subscription.NewMemoryRegistry(), nil, nil, nil)
	ctx := context.Background()

	s.Start(ctx)
	defer s.Stop()
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Subscribe(ctx, "A"))
	require.NoError(t, s.Unsubscribe(ctx, "A"))

	require.Eventually(t, func() bool {
		_, controls := fs.snapshot()
		return len(controls) == 2
	}, time.Second, 5*time.Millisecond)
	_, controls := fs.snapshot()
	assert.Equal(t, "subscribe", controls[0].Op)
	assert.Equal(t, "unsubscribe", controls[1].Op)
}

func TestReconnectResubscribes(t *testing.T) {
	fs := newFeedServer(t)
	tokens := subscription.NewMemoryRegistry()
	s := NewSubscriber(testConfig(fs.wsURL()), tokens, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, "A"))
	require.NoError(t, s.Subscribe(ctx, "B"))

	s.Start(ctx)
	defer s.Stop()
	require.Eventually(t, func() bool {
		conns, _ := fs.snapshot()
		return conns == 1
	}, time.Second, 5*time.Millisecond)

	fs.dropAll()

	require.Eventually(t, func() bool {
		conns, controls := fs.snapshot()
		return conns >= 2 && len(controls) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	_, controls := fs.snapshot()
	last := controls[len(controls)-1]
	assert.Equal(t, "subscribe", last.Op)
	assert.ElementsMatch(t, []string{"A", "B"}, last.Tokens)
}

func TestFallsBackToPolling(t *testing.T) {
	var mu sync.Mutex
	var queried []string
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		mu.Lock()
		queried = append(queried, token)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(Tick{Price: decimal.RequireFromString("0.75"), Timestamp: 42})
	}))
	defer rest.Close()

	cfg := testConfig("ws://127.0.0.1:1/unreachable")
	cfg.RESTURL = rest.URL + "/price"
	sink := &recordingSink{}
	s := NewSubscriber(cfg, subscription.NewMemoryRegistry(), sink, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, "A"))

	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, s.Polling, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	last, ok := s.LastPrice("A")
	require.True(t, ok)
	assert.True(t, last.Price.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, "A", last.Token, "token filled from the query")

	mu.Lock()
	assert.Contains(t, queried, "A")
	mu.Unlock()
}
