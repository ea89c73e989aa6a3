package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imdevinc/docsync/internal/relay/wire"
)

// Broker fans frames out to the other relay instances serving a document
type Broker interface {
	Publish(ctx context.Context, documentID string, f wire.Frame) error
	// Subscribe delivers frames published by other instances until the
	// returned function is called
	Subscribe(ctx context.Context, documentID string, fn func(wire.Frame)) (func(), error)
	Close() error
}

const channelPrefix = "docsync:room:"

// brokerMessage tags a frame with the instance that published it
type brokerMessage struct {
	Node  string     `json:"node"`
	Frame wire.Frame `json:"frame"`
}

// RedisBroker implements Broker with Redis pub/sub, one channel per document
type RedisBroker struct {
	client *redis.Client
	node   string
	logger *slog.Logger
}

// NewRedisBroker connects to redisURL. node identifies this instance so
// its own publications are not delivered back to it.
func NewRedisBroker(redisURL, node string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBrokerWithClient(client, node), nil
}

// NewRedisBrokerWithClient creates a broker from an existing client
func NewRedisBrokerWithClient(client *redis.Client, node string) *RedisBroker {
	return &RedisBroker{
		client: client,
		node:   node,
		logger: slog.Default().With("component", "broker", "node", node),
	}
}

func channel(documentID string) string {
	return channelPrefix + documentID
}

// Publish implements Broker
func (b *RedisBroker) Publish(ctx context.Context, documentID string, f wire.Frame) error {
	data, err := json.Marshal(brokerMessage{Node: b.node, Frame: f})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel(documentID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", documentID, err)
	}
	return nil
}

// Subscribe implements Broker
func (b *RedisBroker) Subscribe(ctx context.Context, documentID string, fn func(wire.Frame)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, channel(documentID))
	// wait for the confirmation so nothing published afterwards is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", documentID, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var m brokerMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Debug("Dropping malformed broker message", "document", documentID, "error", err)
				continue
			}
			if m.Node == b.node {
				continue
			}
			fn(m.Frame)
		}
	}()

	return func() {
		pubsub.Close()
		<-done
	}, nil
}

// Close implements Broker
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
