package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

func NewRedisTokenLock(redisClient redis.Cmdable) TokenLock {
	return &redisTokenLock{redisClient: redisClient}
}

type redisTokenLock struct {
	redisClient redis.Cmdable
}

func (d *redisTokenLock) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
	isLock, err := d.redisClient.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return errors.WithMessagef(ErrTransientIO, "[redisTokenLock.NonBlockingSynchronized] setnx %s, err:%v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockFailed, "[redisTokenLock.NonBlockingSynchronized] %s has been locked", key)
	}
	defer d.releaseKey(ctx, key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisTokenLock) Synchronized(ctx context.Context, key string, ttl time.Duration, wait time.Duration, f func(context.Context) error) error {
	return waitSynchronized(ctx, d, key, ttl, wait, f)
}

func (d *redisTokenLock) releaseKey(ctx context.Context, key string, value string) {
	// context 可能已经被cancel，释放锁需要新开一个context
	reply, err := d.redisClient.Eval(context.WithoutCancel(ctx), delCommand, []string{key}, value).Int64()
	if err != nil {
		slog.ErrorContext(ctx, "[redisTokenLock.releaseKey] release key failed", "key", key, "err", err)
		return
	}
	if reply != 1 {
		slog.WarnContext(ctx, "[redisTokenLock.releaseKey] lock already expired", "key", key)
	}
}
