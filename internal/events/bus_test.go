package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRelay struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingRelay) Forward(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestBusDeliversToTopicSubscribers(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(TopicOrderExecuted, func(_ context.Context, ev Event) { got = append(got, ev) })
	bus.Subscribe(TopicOrderFailed, func(_ context.Context, ev Event) { t.Fatal("wrong topic delivered") })

	bus.Publish(context.Background(), TopicOrderExecuted, OrderResult{OrderID: "o1"})

	require.Len(t, got, 1)
	assert.Equal(t, TopicOrderExecuted, got[0].Topic)
	assert.Equal(t, "o1", got[0].Payload.(OrderResult).OrderID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()
	var topics []Topic
	bus.SubscribeAll(func(_ context.Context, ev Event) { topics = append(topics, ev.Topic) })

	bus.Publish(context.Background(), TopicLockFailed, LockFailed{Key: "k"})
	bus.Publish(context.Background(), TopicLockReleased, LockReleased{Key: "k"})

	assert.Equal(t, []Topic{TopicLockFailed, TopicLockReleased}, topics)
}

func TestBusHandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus()
	called := false
	bus.Subscribe(TopicPriceUpdated, func(context.Context, Event) { panic("boom") })
	bus.Subscribe(TopicPriceUpdated, func(context.Context, Event) { called = true })

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), TopicPriceUpdated, PriceUpdated{Token: "abc"})
	})
	assert.True(t, called)
}

func TestBusRelayErrorIsSwallowed(t *testing.T) {
	bus := NewBus()
	relay := &recordingRelay{err: errors.New("redis down")}
	bus.SetRelay(relay)

	bus.Publish(context.Background(), TopicOrderbookProcessed, OrderbookProcessed{Token: "abc", Matched: 2})

	require.Len(t, relay.events, 1)
	assert.Equal(t, TopicOrderbookProcessed, relay.events[0].Topic)
}

func TestDecodeEventRestoresPayloadType(t *testing.T) {
	data, err := json.Marshal(Event{
		Topic:     TopicPriceUpdated,
		Payload:   PriceUpdated{Token: "TokenMint", Price: decimal.RequireFromString("0.5"), Timestamp: 7},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	p, ok := ev.Payload.(PriceUpdated)
	require.True(t, ok)
	assert.Equal(t, "TokenMint", p.Token)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("0.5")))

	ev, err = DecodeEvent([]byte(`{"topic":"custom.topic","payload":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, ev.Payload)

	_, err = DecodeEvent([]byte(`{"topic":"price.updated","payload":"oops"}`))
	assert.Error(t, err)
}
