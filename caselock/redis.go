package caselock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errHeld = errors.New("caselock: held")

// unlockScript deletes the key only if it still carries our token, so an
// expired lock re-acquired by someone else is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lock shared by every instance pointing at the same Redis.
// The TTL bounds how long a crashed holder can block a case.
type Redis struct {
	client        redis.UniversalClient
	prefix        string
	ttl           time.Duration
	pollInterval  time.Duration
	releaseBudget time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client:        client,
		prefix:        "chargeflow:lock:",
		ttl:           ttl,
		pollInterval:  25 * time.Millisecond,
		releaseBudget: 2 * time.Second,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	acquire := func() error {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		return nil
	}
	if err := backoff.Retry(acquire, backoff.WithContext(backoff.NewConstantBackOff(r.pollInterval), ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("caselock: acquire %s: %w", key, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), r.releaseBudget)
		defer cancel()
		_ = unlockScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err()
	}, nil
}
