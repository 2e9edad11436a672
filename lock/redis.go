package lock

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
end
redis.call("SREM", KEYS[2], KEYS[1])
return 1
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// RedisBackend stores locks as plain keys holding the owner, plus one set
// per owner indexing the keys it holds.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "controlplane:lock:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) lockKey(key string) string    { return r.prefix + "key:" + key }
func (r *RedisBackend) ownerKey(owner string) string { return r.prefix + "owner:" + owner }

func (r *RedisBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	lk := r.lockKey(key)
	ok, err := r.client.SetNX(ctx, lk, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		current, err := r.client.Get(ctx, lk).Result()
		if stderrors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if current != owner {
			return false, nil
		}
	}
	if err := r.client.SAdd(ctx, r.ownerKey(owner), key).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisBackend) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, r.client, []string{r.lockKey(key), r.ownerKey(owner)}, owner).Err()
}

func (r *RedisBackend) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{r.lockKey(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisBackend) Owner(ctx context.Context, key string) (string, error) {
	owner, err := r.client.Get(ctx, r.lockKey(key)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

func (r *RedisBackend) ReleaseOwner(ctx context.Context, owner string) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.ownerKey(owner)).Result()
	if err != nil {
		return nil, err
	}
	var released []string
	for _, key := range keys {
		current, err := r.Owner(ctx, key)
		if err != nil {
			return released, err
		}
		if err := r.Release(ctx, key, owner); err != nil {
			return released, err
		}
		if current == owner {
			released = append(released, key)
		}
	}
	if err := r.client.Del(ctx, r.ownerKey(owner)).Err(); err != nil {
		return released, err
	}
	return released, nil
}
