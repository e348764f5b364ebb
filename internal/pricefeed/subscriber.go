// Package pricefeed keeps a streaming price connection for every token with
// resting orders and forwards normalised ticks to the matcher. When the
// stream stays down it falls back to polling a REST endpoint.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/matcher"
	"copytrade-engine/internal/subscription"
	"copytrade-engine/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var errNotConnected = errors.New("pricefeed: not connected")

// Tick is one inbound price frame
type Tick struct {
	Token     string          `json:"token"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

type control struct {
	Op     string   `json:"op"`
	Tokens []string `json:"tokens"`
}

// Sink receives every accepted tick
type Sink interface {
	Submit(u matcher.PriceUpdate) error
}

// PriceCache stores the last price per token
type PriceCache interface {
	CacheLastPrice(ctx context.Context, token string, price interface{}) error
}

// Subscriber is the price feed client
type Subscriber struct {
	cfg    config.PriceFeedConfig
	tokens subscription.Registry
	sink   Sink
	events events.Publisher
	cache  PriceCache
	client *http.Client

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	last    map[string]Tick
	polling bool

	pollCancel context.CancelFunc
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        *logrus.Entry
}

// NewSubscriber creates a subscriber. tokens holds the subscribed token set
// and survives restarts when backed by Redis.
func NewSubscriber(cfg config.PriceFeedConfig, tokens subscription.Registry, sink Sink, pub events.Publisher, cache PriceCache) *Subscriber {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Subscriber{
		cfg:    cfg,
		tokens: tokens,
		sink:   sink,
		events: pub,
		cache:  cache,
		client: &http.Client{Timeout: 10 * time.Second},
		last:   make(map[string]Tick),
		log:    logrus.WithField("component", "pricefeed"),
	}
}

// Backoff returns the reconnect delay before attempt (1-based): base doubled
// per failed attempt, capped at max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Subscribe adds token to the feed. Subscribing twice is a no-op.
func (s *Subscriber) Subscribe(ctx context.Context, token string) error {
	added, err := s.tokens.Add(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to record subscription: %w", err)
	}
	if !added {
		return nil
	}
	if err := s.send(control{Op: "subscribe", Tokens: []string{token}}); err != nil && !errors.Is(err, errNotConnected) {
		// the next reconnect subscribes again
		s.log.WithField("token", token).WithError(err).Warn("Failed to send subscribe")
	}
	s.log.WithField("token", token).Info("Subscribed to price feed")
	return nil
}

// Unsubscribe removes token from the feed
func (s *Subscriber) Unsubscribe(ctx context.Context, token string) error {
	removed, err := s.tokens.Remove(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	if !removed {
		return nil
	}
	if err := s.send(control{Op: "unsubscribe", Tokens: []string{token}}); err != nil && !errors.Is(err, errNotConnected) {
		s.log.WithField("token", token).WithError(err).Warn("Failed to send unsubscribe")
	}
	return nil
}

// Tokens lists the subscribed tokens
func (s *Subscriber) Tokens(ctx context.Context) ([]string, error) {
	return s.tokens.Members(ctx)
}

// LastPrice returns the most recent tick for token
func (s *Subscriber) LastPrice(token string) (Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[token]
	return t, ok
}

// Polling reports whether the REST fallback is active
func (s *Subscriber) Polling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polling
}

// Connected reports whether the stream is up
func (s *Subscriber) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Start runs the connection loop in the background
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop closes the stream and waits for the loops to exit
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.close()
	s.stopPolling()
	s.wg.Wait()
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			failures++
			s.log.WithError(err).WithField("attempt", failures).Warn("Price feed connection failed")
			if failures >= s.cfg.MaxReconnectAttempts {
				s.startPolling(ctx)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(Backoff(failures, s.cfg.BaseBackoff, s.cfg.MaxBackoff)):
			}
			continue
		}

		failures = 0
		s.stopPolling()
		s.read(ctx)
	}
}

func (s *Subscriber) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	tokens, err := s.tokens.Members(ctx)
	if err != nil {
		s.close()
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}
	if len(tokens) > 0 {
		if err := s.send(control{Op: "subscribe", Tokens: tokens}); err != nil {
			s.close()
			return fmt.Errorf("failed to resubscribe: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{"url": s.cfg.URL, "tokens": len(tokens)}).Info("Price feed connected")
	return nil
}

func (s *Subscriber) read(ctx context.Context) {
	for {
		s.mu.RLock()
		c := s.conn
		s.mu.RUnlock()
		if c == nil {
			return
		}

		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.WithError(err).Warn("Price feed read error")
			}
			s.close()
			return
		}

		var tick Tick
		if err := json.Unmarshal(msg, &tick); err != nil {
			s.log.WithError(err).Debug("Ignoring malformed price frame")
			continue
		}
		s.accept(ctx, tick)
	}
}

// accept records a tick for a subscribed token and forwards it
func (s *Subscriber) accept(ctx context.Context, tick Tick) {
	if tick.Token == "" || !tick.Price.IsPositive() {
		return
	}
	subscribed, err := s.tokens.Contains(ctx, tick.Token)
	if err != nil || !subscribed {
		return
	}
	if tick.Timestamp == 0 {
		tick.Timestamp = time.Now().UnixMilli()
	}

	s.mu.Lock()
	s.last[tick.Token] = tick
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.CacheLastPrice(ctx, tick.Token, tick); err != nil {
			s.log.WithError(err).Debug("Failed to cache last price")
		}
	}
	s.events.Publish(ctx, events.TopicPriceUpdated, events.PriceUpdated{
		Token:     tick.Token,
		Price:     tick.Price,
		Timestamp: tick.Timestamp,
	})
	if s.sink != nil {
		_ = s.sink.Submit(matcher.PriceUpdate{
			Token:     tick.Token,
			Price:     tick.Price,
			Timestamp: time.UnixMilli(tick.Timestamp),
		})
	}
}

func (s *Subscriber) send(msg control) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	if c == nil {
		return errNotConnected
	}
	return c.WriteJSON(msg)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Subscriber) startPolling(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling || s.cfg.RESTURL == "" {
		return
	}
	s.polling = true

	pollCtx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	s.wg.Add(1)
	go s.poll(pollCtx)
	s.log.WithField("interval", s.cfg.PollInterval).Warn("Price stream unavailable, polling REST endpoint")
}

func (s *Subscriber) stopPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.polling {
		return
	}
	s.polling = false
	s.pollCancel()
	s.log.Info("Price stream restored, REST polling stopped")
}

func (s *Subscriber) poll(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Subscriber) pollOnce(ctx context.Context) {
	tokens, err := s.tokens.Members(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to load subscriptions for polling")
		return
	}
	for _, token := range tokens {
		tick, err := s.fetch(ctx, token)
		if err != nil {
			if ctx.Err() == nil {
				s.log.WithField("token", token).WithError(err).Warn("Price poll failed")
			}
			continue
		}
		s.accept(ctx, *tick)
	}
}

func (s *Subscriber) fetch(ctx context.Context, token string) (*Tick, error) {
	u, err := url.Parse(s.cfg.RESTURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}
	var tick Tick
	if err := json.NewDecoder(resp.Body).Decode(&tick); err != nil {
		return nil, fmt.Errorf("failed to decode price: %w", err)
	}
	if tick.Token == "" {
		tick.Token = token
	}
	return &tick, nil
}
