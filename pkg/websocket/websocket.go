package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"copytrade-engine/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Hub fans domain events out to subscribed WebSocket clients
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// Channel subscriptions, keyed by channel name
	subscriptions map[string]map[*Client]bool

	// Account subscriptions
	accounts map[uint]map[*Client]bool

	// mu guards the maps and every send on a client's channel
	mu  sync.RWMutex
	log *logrus.Entry
}

// Client represents a WebSocket client
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// Authenticated account, zero for anonymous clients
	accountID uint

	id            string
	subscriptions map[string]bool
}

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	ID        string      `json:"id,omitempty"`
}

// SubscriptionRequest represents a subscription request
type SubscriptionRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Message types
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
	MessageTypeEvent       = "event"
)

// Channels. Token channels accept a ".<token>" suffix.
const (
	ChannelPrices       = "prices"
	ChannelOrderbook    = "orderbook"
	ChannelReplications = "replications"
	ChannelAccount      = "account"
)

// WebSocket connection settings
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		done:          make(chan struct{}),
		subscriptions: make(map[string]map[*Client]bool),
		accounts:      make(map[uint]map[*Client]bool),
		log:           logrus.WithField("component", "websocket"),
	}
}

// Run processes registrations until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"client_id": client.id, "account_id": client.accountID}).Debug("WebSocket client registered")

	h.sendTo(client, Message{Type: "welcome", Data: map[string]interface{}{"client_id": client.id}})
}

// drop removes client and closes its send channel. Caller holds mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for channel, clients := range h.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscriptions, channel)
		}
	}
	if client.accountID != 0 {
		if clients, ok := h.accounts[client.accountID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.accounts, client.accountID)
			}
		}
	}
	h.log.WithField("client_id", client.id).Debug("WebSocket client unregistered")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.drop(client)
	}
}

// deliver sends data to every client without blocking; clients whose buffer
// is full are disconnected
func (h *Hub) deliver(clients []*Client, data []byte) {
	var slow []*Client

	h.mu.RLock()
	for _, client := range clients {
		if !h.clients[client] {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		h.log.WithField("client_id", client.id).Warn("Dropping slow WebSocket client")
		h.drop(client)
	}
	h.mu.Unlock()
}

func (h *Hub) sendTo(client *Client, msg Message) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.deliver([]*Client{client}, data)
}

// Subscribe adds client to channel
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}

	if channel == ChannelAccount {
		if h.accounts[client.accountID] == nil {
			h.accounts[client.accountID] = make(map[*Client]bool)
		}
		h.accounts[client.accountID][client] = true
	} else {
		if h.subscriptions[channel] == nil {
			h.subscriptions[channel] = make(map[*Client]bool)
		}
		h.subscriptions[channel][client] = true
	}
	client.subscriptions[channel] = true
}

// Unsubscribe removes client from channel
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if channel == ChannelAccount {
		if clients, ok := h.accounts[client.accountID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.accounts, client.accountID)
			}
		}
	} else if clients, ok := h.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscriptions, channel)
		}
	}
	delete(client.subscriptions, channel)
}

// subscribers of any of channels, deduplicated
func (h *Hub) subscribers(channels ...string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]bool)
	var out []*Client
	for _, ch := range channels {
		for client := range h.subscriptions[ch] {
			if !seen[client] {
				seen[client] = true
				out = append(out, client)
			}
		}
	}
	return out
}

func (h *Hub) accountSubscribers(accountID uint) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.accounts[accountID]))
	for client := range h.accounts[accountID] {
		out = append(out, client)
	}
	return out
}

// HandleEvent routes one bus event to the clients subscribed to it. It is
// registered with the bus for every topic.
func (h *Hub) HandleEvent(_ context.Context, ev events.Event) {
	var (
		channel string
		targets []*Client
	)

	switch p := ev.Payload.(type) {
	case events.PriceUpdated:
		channel = ChannelPrices + "." + p.Token
		targets = h.subscribers(ChannelPrices, channel)
	case events.OrderbookProcessed:
		channel = ChannelOrderbook + "." + p.Token
		targets = h.subscribers(ChannelOrderbook, channel)
	case events.ReplicationCompleted:
		channel = ChannelReplications
		targets = h.subscribers(ChannelReplications)
	case events.OrderResult:
		channel = ChannelAccount
		targets = h.accountSubscribers(p.AccountID)
	case events.TransactionReceived:
		channel = ChannelAccount
		targets = h.accountSubscribers(p.MasterID)
	default:
		return
	}
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Channel:   channel,
		Data:      map[string]interface{}{"topic": ev.Topic, "payload": ev.Payload},
		Timestamp: ev.Timestamp.Unix(),
		ID:        xid.New().String(),
	})
	if err != nil {
		h.log.WithError(err).WithField("topic", ev.Topic).Warn("Failed to encode event")
		return
	}
	h.deliver(targets, data)
}

// HandleWebSocket upgrades the request. The account id is taken from the
// gin context when the auth middleware ran.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	var accountID uint
	if v, ok := c.Get("account_id"); ok {
		accountID, _ = v.(uint)
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		accountID:     accountID,
		id:            xid.New().String(),
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("client_id", c.id).Warn("WebSocket read error")
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var req SubscriptionRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case MessageTypeSubscribe:
		c.handleSubscribe(req)
	case MessageTypeUnsubscribe:
		c.hub.Unsubscribe(c, req.Channel)
		c.hub.sendTo(c, Message{Type: "unsubscribed", Channel: req.Channel})
	case MessageTypePing:
		c.hub.sendTo(c, Message{Type: MessageTypePong})
	case MessageTypePong:
	default:
		c.sendError("Unknown message type")
	}
}

// ValidChannel reports whether channel can be subscribed to
func ValidChannel(channel string) bool {
	switch channel {
	case ChannelPrices, ChannelOrderbook, ChannelReplications, ChannelAccount:
		return true
	}
	for _, prefix := range []string{ChannelPrices + ".", ChannelOrderbook + "."} {
		if strings.HasPrefix(channel, prefix) && len(channel) > len(prefix) {
			return true
		}
	}
	return false
}

func (c *Client) handleSubscribe(req SubscriptionRequest) {
	if !ValidChannel(req.Channel) {
		c.sendError(fmt.Sprintf("Invalid channel %q", req.Channel))
		return
	}
	if req.Channel == ChannelAccount && c.accountID == 0 {
		c.sendError("Authentication required for account channel")
		return
	}

	c.hub.Subscribe(c, req.Channel)
	c.hub.sendTo(c, Message{Type: "subscribed", Channel: req.Channel})
}

func (c *Client) sendError(message string) {
	c.hub.sendTo(c, Message{Type: MessageTypeError, Data: map[string]string{"error": message}})
}

// GetStats returns WebSocket statistics
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	authenticated := 0
	for client := range h.clients {
		if client.accountID != 0 {
			authenticated++
		}
	}
	return map[string]interface{}{
		"total_clients":         len(h.clients),
		"channel_subscriptions": len(h.subscriptions),
		"account_subscriptions": len(h.accounts),
		"authenticated_clients": authenticated,
	}
}
