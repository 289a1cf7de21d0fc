package sequence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrExistingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('INCR', KEYS[1])
`)

// ARGV[1] is the floor, ARGV[2] the unix expiry for a newly created key.
var incrFromScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local floor = tonumber(ARGV[1])
if not current then
	redis.call('SET', KEYS[1], floor)
	redis.call('EXPIREAT', KEYS[1], ARGV[2])
elseif tonumber(current) < floor then
	redis.call('SET', KEYS[1], floor, 'KEEPTTL')
end
return redis.call('INCR', KEYS[1])
`)

// RedisStore implements CounterStore on Redis. The caller owns the client.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrExisting(ctx context.Context, key string) (int64, bool, error) {
	seq, err := incrExistingScript.Run(ctx, s.client, []string{key}).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func (s *RedisStore) IncrFrom(ctx context.Context, key string, floor int64, expireAt time.Time) (int64, error) {
	return incrFromScript.Run(ctx, s.client, []string{key}, floor, expireAt.Unix()).Int64()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
