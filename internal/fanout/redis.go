package fanout

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

// RedisBroker fans events out over Redis pub/sub. SubscribeAll uses a
// pattern subscription, so no tenant bookkeeping is needed.
type RedisBroker struct {
	client   *redis.Client
	policy   SizePolicy
	strategy retry.Strategy
}

// NewRedisBroker creates a Redis-backed fanout broker.
func NewRedisBroker(client *redis.Client, policy SizePolicy, strategy retry.Strategy) *RedisBroker {
	return &RedisBroker{client: client, policy: policy, strategy: strategy}
}

// Publish sends the payload to everyone currently listening on the tenant's
// variant of the channel. Nobody listening means the message is dropped.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte, tenantID string) error {
	name := channelName(tenantID, channel)
	payload = b.policy.Apply(name, payload)

	return retry.Do(func() error {
		return b.client.Publish(ctx, name, payload).Err()
	}, b.strategy)
}

// Subscribe listens on one tenant's variant of the channel.
func (b *RedisBroker) Subscribe(ctx context.Context, channel, tenantID string, h Handler) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channelName(tenantID, channel))

	// Wait for the subscription confirmation so publishes after Subscribe
	// returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		for m := range ps.Channel() {
			h([]byte(m.Payload))
		}
	}()

	return pubSubSubscription{ps}, nil
}

// SubscribeAll pattern-subscribes to every tenant's variant of the channel.
func (b *RedisBroker) SubscribeAll(ctx context.Context, channel string, h TenantHandler) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, tenantPattern(channel))

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		for m := range ps.Channel() {
			tenantID, ok := splitTenant(m.Channel, channel)
			if !ok {
				zlog.Logger.Warn().Str("channel", m.Channel).Msg("unexpected channel on tenant pattern")
				continue
			}

			h(tenantID, []byte(m.Payload))
		}
	}()

	return pubSubSubscription{ps}, nil
}

// Close shuts the underlying Redis connection down.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type pubSubSubscription struct {
	ps *redis.PubSub
}

func (s pubSubSubscription) Close() error {
	return s.ps.Close()
}
