// Package lockx provides the best-effort redis lock around the worker's
// sweeps. The sweeps stay correct without it (execution status guards make
// duplicate firing a no-op); the lock only cuts duplicate work when more
// than one worker replica is running.
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release only deletes the key if it still holds our token, so an expired
// lock never deletes a successor's.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire attempts the lock once, without blocking or retrying. A false
// second return means another holder has it.
func TryAcquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lock{client: client, key: key, token: token}, true, nil
}

func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}
