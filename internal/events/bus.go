// Package events is the in-process event bus that decouples the matcher,
// the replication engine and observers such as the websocket hub.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Topic names an event stream
type Topic string

const (
	TopicTransactionReceived  Topic = "transaction.received"
	TopicOrderExecuted        Topic = "order.executed"
	TopicOrderFailed          Topic = "order.failed"
	TopicLockFailed           Topic = "lock.failed"
	TopicLockReleased         Topic = "lock.released"
	TopicOrderbookProcessed   Topic = "orderbook.processed"
	TopicPriceUpdated         Topic = "price.updated"
	TopicReplicationCompleted Topic = "replication.completed"
)

// Event is a published message
type Event struct {
	Topic     Topic       `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler receives events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(ctx context.Context, ev Event)

// Publisher is the narrow interface components emit through
type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload interface{})
}

// Relay forwards events outside the process
type Relay interface {
	Forward(ctx context.Context, ev Event) error
}

// Bus dispatches events synchronously to subscribed handlers
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	all      []Handler
	relay    Relay
	log      *logrus.Entry
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Topic][]Handler),
		log:      logrus.WithField("component", "events"),
	}
}

// SetRelay installs a relay that receives every published event
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
}

// Subscribe registers h for one topic
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// SubscribeAll registers h for every topic
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers payload to every handler of topic. A panicking handler is
// logged and does not affect the others.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[topic])+len(b.all))
	handlers = append(handlers, b.handlers[topic]...)
	handlers = append(handlers, b.all...)
	relay := b.relay
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, ev)
	}

	if relay != nil {
		if err := relay.Forward(ctx, ev); err != nil {
			b.log.WithError(err).WithField("topic", topic).Warn("Failed to relay event")
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"topic": ev.Topic, "panic": r}).Error("Event handler panicked")
		}
	}()
	h(ctx, ev)
}

// Discard is a Publisher that drops everything
type Discard struct{}

func (Discard) Publish(context.Context, Topic, interface{}) {}
