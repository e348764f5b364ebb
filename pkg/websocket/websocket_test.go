package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"copytrade-engine/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, accountID uint) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if accountID != 0 {
			c.Set("account_id", accountID)
		}
		hub.HandleWebSocket(c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := read(t, conn)
	require.Equal(t, "welcome", msg.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, channel string) Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(SubscriptionRequest{Type: MessageTypeSubscribe, Channel: channel}))
	return read(t, conn)
}

func TestValidChannel(t *testing.T) {
	assert.True(t, ValidChannel("prices"))
	assert.True(t, ValidChannel("prices.TokenMint"))
	assert.True(t, ValidChannel("orderbook.TokenMint"))
	assert.True(t, ValidChannel("account"))
	assert.False(t, ValidChannel("prices."))
	assert.False(t, ValidChannel("trades"))
}

func TestPriceEventsReachTokenSubscribers(t *testing.T) {
	hub, url := newServer(t, 0)
	conn := dial(t, url)

	assert.Equal(t, "subscribed", subscribe(t, conn, "prices.A").Type)

	hub.HandleEvent(context.Background(), events.Event{
		Topic:     events.TopicPriceUpdated,
		Payload:   events.PriceUpdated{Token: "B", Price: decimal.NewFromInt(1)},
		Timestamp: time.Now(),
	})
	hub.HandleEvent(context.Background(), events.Event{
		Topic:     events.TopicPriceUpdated,
		Payload:   events.PriceUpdated{Token: "A", Price: decimal.NewFromInt(2)},
		Timestamp: time.Now(),
	})

	msg := read(t, conn)
	assert.Equal(t, MessageTypeEvent, msg.Type)
	assert.Equal(t, "prices.A", msg.Channel)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, string(events.TopicPriceUpdated), data["topic"])
}

func TestAccountChannelNeedsAuthentication(t *testing.T) {
	_, url := newServer(t, 0)
	conn := dial(t, url)

	msg := subscribe(t, conn, ChannelAccount)
	assert.Equal(t, MessageTypeError, msg.Type)

	msg = subscribe(t, conn, "trades")
	assert.Equal(t, MessageTypeError, msg.Type)
}

func TestAccountEventsOnlyReachOwner(t *testing.T) {
	hub, url := newServer(t, 7)
	conn := dial(t, url)
	assert.Equal(t, "subscribed", subscribe(t, conn, ChannelAccount).Type)

	hub.HandleEvent(context.Background(), events.Event{
		Topic:   events.TopicOrderExecuted,
		Payload: events.OrderResult{OrderID: "other", AccountID: 8},
	})
	hub.HandleEvent(context.Background(), events.Event{
		Topic:   events.TopicOrderExecuted,
		Payload: events.OrderResult{OrderID: "mine", AccountID: 7},
	})

	msg := read(t, conn)
	assert.Equal(t, ChannelAccount, msg.Channel)
	payload := msg.Data.(map[string]interface{})["payload"].(map[string]interface{})
	assert.Equal(t, "mine", payload["order_id"])

	stats := hub.GetStats()
	assert.Equal(t, 1, stats["authenticated_clients"])
}
