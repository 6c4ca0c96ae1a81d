package keylock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/logger"
)

// DefaultPrefix namespaces lock keys in Redis.
const DefaultPrefix = "overwatch:lock:"

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a distributed lock on top of a single Redis server.
type Redis struct {
	// client talks to Redis.
	client redis.Cmdable
	// ttl bounds how long a crashed owner keeps a key.
	ttl time.Duration
	// prefix namespaces keys.
	prefix string
}

// NewRedis creates a distributed locker.
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		prefix: DefaultPrefix,
	}
}

// Lock tries SET NX once; a held key yields errs.ErrCorrelationRace. While
// held, the TTL is extended every third of its length so a slow owner keeps
// the key; only a crashed owner lets it expire.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	var (
		name  = r.prefix + key
		token = uuid.NewString()
	)

	acquired, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	if !acquired {
		return nil, errs.ErrCorrelationRace
	}

	var (
		stop    = make(chan struct{})
		stopped = make(chan struct{})
	)

	go r.keepAlive(context.WithoutCancel(ctx), key, name, token, stop, stopped)

	return func() {
		close(stop)
		<-stopped

		releaseCtx := context.WithoutCancel(ctx)
		if err := releaseScript.Run(releaseCtx, r.client, []string{name}, token).Err(); err != nil {
			logger.WarnKV(ctx, "Failed to release lock", "key", key, "error", err)
		}
	}, nil
}

// keepAlive extends the key until stop closes or the token is lost.
func (r *Redis) keepAlive(ctx context.Context, key, name, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	if r.ttl <= 0 {
		return
	}

	ticker := time.NewTicker(max(r.ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		extended, err := extendScript.Run(ctx, r.client, []string{name}, token, r.ttl.Milliseconds()).Int()
		if err != nil {
			logger.WarnKV(ctx, "Failed to extend lock", "key", key, "error", err)

			continue
		}

		if extended == 0 {
			logger.WarnKV(ctx, "Lock lost before release", "key", key)

			return
		}
	}
}
