package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"copytrade-engine/pkg/cache"

	"github.com/sirupsen/logrus"
)

// RedisRelay publishes every event on the Redis channel events:<topic> so
// other engine processes and external observers can follow along.
type RedisRelay struct {
	cache *cache.RedisCache
}

// NewRedisRelay creates a relay on top of the shared cache
func NewRedisRelay(c *cache.RedisCache) *RedisRelay {
	return &RedisRelay{cache: c}
}

func (r *RedisRelay) Forward(ctx context.Context, ev Event) error {
	return r.cache.Publish(ctx, fmt.Sprintf(cache.ChannelEvents, ev.Topic), ev)
}

// Listen subscribes to the given topics on Redis and hands decoded events to
// h until ctx is done. Payloads of known topics are decoded into their
// payload struct; others stay generic JSON values.
func (r *RedisRelay) Listen(ctx context.Context, h Handler, topics ...Topic) error {
	channels := make([]string, 0, len(topics))
	for _, t := range topics {
		channels = append(channels, fmt.Sprintf(cache.ChannelEvents, t))
	}

	pubsub := r.cache.Subscribe(ctx, channels...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				logrus.WithError(err).WithField("channel", msg.Channel).Warn("Dropping malformed event")
				continue
			}
			h(ctx, ev)
		}
	}
}

func decodeAs[T any](raw json.RawMessage) (interface{}, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// decoders restore the payload struct published on each topic
var decoders = map[Topic]func(json.RawMessage) (interface{}, error){
	TopicTransactionReceived:  decodeAs[TransactionReceived],
	TopicOrderExecuted:        decodeAs[OrderResult],
	TopicOrderFailed:          decodeAs[OrderResult],
	TopicLockFailed:           decodeAs[LockFailed],
	TopicLockReleased:         decodeAs[LockReleased],
	TopicOrderbookProcessed:   decodeAs[OrderbookProcessed],
	TopicPriceUpdated:         decodeAs[PriceUpdated],
	TopicReplicationCompleted: decodeAs[ReplicationCompleted],
}

// DecodeEvent parses a relayed event, restoring the typed payload
func DecodeEvent(data []byte) (Event, error) {
	var raw struct {
		Topic     Topic           `json:"topic"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, err
	}

	ev := Event{Topic: raw.Topic, Timestamp: raw.Timestamp}
	if len(raw.Payload) == 0 {
		return ev, nil
	}
	decode, ok := decoders[raw.Topic]
	if !ok {
		decode = decodeAs[interface{}]
	}
	payload, err := decode(raw.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("invalid %s payload: %w", raw.Topic, err)
	}
	ev.Payload = payload
	return ev, nil
}
