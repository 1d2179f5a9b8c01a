package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// envelope is the pub/sub payload shared by replicas.
type envelope struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// RedisBridge relays hub messages to a Redis channel and delivers messages
// published by other replicas to the local hub.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  *zap.Logger
	out     chan Message
}

// NewRedisBridge creates a bridge on channel. Call hub.SetRelay(bridge) and Run.
func NewRedisBridge(client *redis.Client, channel string, hub *Hub, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		logger:  logger,
		out:     make(chan Message, 256),
	}
}

// Origin returns the id this replica stamps on its messages.
func (b *RedisBridge) Origin() string { return b.origin }

// Relay queues msg for publication. It implements Relay and never blocks.
func (b *RedisBridge) Relay(msg Message) {
	select {
	case b.out <- msg:
	default:
		b.logger.Warn("redis relay queue full, event not forwarded", zap.String("event", msg.Event))
	}
}

// Run subscribes to the channel and publishes queued messages until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("redis event bridge running", zap.String("channel", b.channel), zap.String("origin", b.origin))

	in := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.out:
			payload, err := b.encode(msg)
			if err != nil {
				b.logger.Error("redis encode", zap.Error(err))
				continue
			}
			if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
				b.logger.Warn("redis publish failed", zap.String("event", msg.Event), zap.Error(err))
			}
		case m, ok := <-in:
			if !ok {
				return nil
			}
			b.handle(m.Payload)
		}
	}
}

func (b *RedisBridge) encode(msg Message) ([]byte, error) {
	return json.Marshal(envelope{Origin: b.origin, Event: msg.Event, Data: msg.Data})
}

// handle delivers a remote payload locally. Our own messages are ignored.
func (b *RedisBridge) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("redis payload ignored", zap.Error(err))
		return
	}
	if env.Origin == b.origin || env.Event == "" {
		return
	}
	b.hub.Deliver(Message{Event: env.Event, Data: env.Data})
}
