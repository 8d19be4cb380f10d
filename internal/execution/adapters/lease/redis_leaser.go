// Package lease keeps execution ownership leases in Redis so that one engine
// instance at a time drives each execution.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript and releaseScript only touch a lease this owner still holds.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeaser stores one key per leased execution, valued with this
// instance's owner id.
type RedisLeaser struct {
	client *redis.Client
	prefix string
	owner  string
}

func NewRedisLeaser(client *redis.Client, prefix string) *RedisLeaser {
	return &RedisLeaser{client: client, prefix: prefix, owner: uuid.New().String()}
}

// Owner identifies this instance in lease values.
func (l *RedisLeaser) Owner() string { return l.owner }

func (l *RedisLeaser) Acquire(ctx context.Context, executionID string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key(executionID), l.owner, ttl).Result()
}

func (l *RedisLeaser) Renew(ctx context.Context, executionID string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key(executionID)}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLeaser) Release(ctx context.Context, executionID string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key(executionID)}, l.owner).Err()
}

func (l *RedisLeaser) Held(ctx context.Context, executionID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(executionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *RedisLeaser) key(executionID string) string {
	return l.prefix + ":lease:" + executionID
}
