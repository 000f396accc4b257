package lock

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Store using a Redis backend.
type Redis struct {
	client redis.UniversalClient
	signer *Signer
}

// NewRedis returns a new Redis store using the provided client. If signer is
// nil a new one is created.
func NewRedis(client redis.UniversalClient, signer *Signer) *Redis {
	if signer == nil {
		signer = NewSigner()
	}
	return &Redis{client: client, signer: signer}
}

// TryLock implements Store.TryLock with a single SET NX.
func (r *Redis) TryLock(ctx context.Context, key string, lease time.Duration) (string, bool, error) {
	token := r.signer.Next()
	ok, err := r.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release implements Store.Release with a compare-and-delete script.
func (r *Redis) Release(ctx context.Context, key, token string) error {
	n, err := delScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if n == 0 {
		return latcherrors.ErrNotOwner
	}
	return nil
}

// Extend implements Store.Extend with a compare-and-expire script.
func (r *Redis) Extend(ctx context.Context, key, token string, lease time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{key}, token, lease.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if n == 0 {
		return latcherrors.ErrNotOwner
	}
	return nil
}

// Exists implements Store.Exists.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Holder returns the token stored at key and its remaining lease. ok is false
// when no lock record exists.
func (r *Redis) Holder(ctx context.Context, key string) (token string, ttl time.Duration, ok bool, err error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, false, err
	}
	token, err = getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return token, ttlCmd.Val(), true, nil
}
