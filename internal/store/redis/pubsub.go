// Package redis carries tenant lifecycle events between processes and holds
// the cross-process tenant lifecycle lock.
package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// subscriberBuffer bounds how many lifecycle events a slow subscriber may lag
// behind before events are dropped for it.
const subscriberBuffer = 64

// PubSub publishes lifecycle events and hands out subscriptions to them.
type PubSub struct {
	client *redis.Client
}

// New connects to addr, which is either host:port or a redis:// URL. A URL
// carries its own password and database; the arguments only fill what it
// leaves empty.
func New(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	opts, err := clientOptions(addr, password, db)
	if err != nil {
		return nil, fmt.Errorf("redis.New: %w", err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping %s: %w", opts.Addr, err)
	}

	return &PubSub{client: client}, nil
}

func clientOptions(addr, password string, db int) (*redis.Options, error) {
	if !strings.HasPrefix(addr, "redis://") && !strings.HasPrefix(addr, "rediss://") {
		return &redis.Options{Addr: addr, Password: password, DB: db}, nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", addr, err)
	}
	if opts.Password == "" {
		opts.Password = password
	}
	if opts.DB == 0 {
		opts.DB = db
	}
	return opts, nil
}

// Client exposes the underlying client so the lock can share the connection.
func (ps *PubSub) Client() *redis.Client {
	return ps.client
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns the payloads published on channel until ctx ends or the
// cleanup func runs. A subscriber that falls more than subscriberBuffer
// events behind loses the overflow; the publisher is never blocked.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)

	// Wait for subscription confirmation so no event published after we
	// return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe: %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go forward(ctx, channel, sub.Channel(redis.WithChannelSize(subscriberBuffer)), out)

	return out, func() { _ = sub.Close() }, nil
}

func forward(ctx context.Context, channel string, in <-chan *redis.Message, out chan<- []byte) {
	defer close(out)
	dropped := 0
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			default:
				dropped++
				log.Warn().Str("channel", channel).Int("dropped", dropped).Msg("lifecycle subscriber is lagging, event dropped")
			}
		}
	}
}

// LifecycleChannel carries every tenant lifecycle event.
const LifecycleChannel = "tenantry:lifecycle"

// TenantChannel returns the channel carrying one tenant's lifecycle events.
func TenantChannel(tenantID string) string {
	return "tenantry:tenant:" + tenantID
}

// LockKey returns the Redis key guarding a lock name.
func LockKey(name string) string {
	return "tenantry:lock:" + name
}
