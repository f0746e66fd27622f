package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel flag changes are broadcast on.
const DefaultChannel = "gatehouse:flag-changes"

// Event is a single flag-change broadcast.
type Event struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	FlagName  string    `json:"flag_name"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisNotifier propagates flag changes between engine instances over
// Redis pub/sub, so peers converge faster than their cache TTL. TTL-based
// expiry remains correct when no notifier is wired.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedis creates a notifier on the given channel. An empty channel name
// uses DefaultChannel.
func NewRedis(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// PublishFlagChange broadcasts a change event for the given flag.
func (n *RedisNotifier) PublishFlagChange(ctx context.Context, flagName string) error {
	payload, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Origin:    n.origin,
		FlagName:  flagName,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Listen subscribes to the channel and invokes apply for every event
// published by another instance. It returns once the subscription is
// established; delivery continues in the background until Close or ctx
// cancellation.
func (n *RedisNotifier) Listen(ctx context.Context, apply func(flagName string)) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	n.mu.Lock()
	n.pubsub = pubsub
	n.done = make(chan struct{})
	done := n.done
	n.mu.Unlock()

	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					n.logger.Warn("discarding malformed change event", zap.Error(err))
					continue
				}
				if event.Origin == n.origin {
					// Local writes are already applied.
					continue
				}
				n.logger.Debug("applying remote flag change",
					zap.String("flag", event.FlagName),
					zap.String("event_id", event.ID),
				)
				apply(event.FlagName)
			}
		}
	}()

	return nil
}

// Close stops the subscription and waits for the delivery loop to exit.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	pubsub := n.pubsub
	done := n.done
	n.pubsub = nil
	n.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	if done != nil {
		<-done
	}
	return err
}
