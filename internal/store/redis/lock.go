package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrLockHeld is returned when the lock is still held elsewhere once the
// caller's context ends.
var ErrLockHeld = errors.New("redis: lock held elsewhere")

const (
	defaultRetryInterval = 100 * time.Millisecond
	releaseTimeout       = 5 * time.Second
)

// releaseScript deletes the key only if it still carries our token, so an
// expired lock re-acquired by another holder is never released by us.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// lockClient is the subset of the redis client the lock uses.
type lockClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Lock is a cross-process mutex built on SET NX PX. The TTL bounds how long a
// crashed holder can block others.
type Lock struct {
	client lockClient
	ttl    time.Duration
	retry  time.Duration
}

func NewLock(client *redis.Client, ttl time.Duration) *Lock {
	return newLock(client, ttl)
}

func newLock(client lockClient, ttl time.Duration) *Lock {
	return &Lock{client: client, ttl: ttl, retry: defaultRetryInterval}
}

// Lock blocks until the named lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context, name string) (func(), error) {
	key := LockKey(name)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis.Lock.Lock: %s: %w", name, err)
		}
		if ok {
			return func() { l.release(ctx, key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis.Lock.Lock: %s: %w: %w", name, ErrLockHeld, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Lock) release(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	n, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis lock release failed, waiting for ttl")
		return
	}
	if n == 0 {
		log.Warn().Str("key", key).Msg("redis lock expired before release")
	}
}
