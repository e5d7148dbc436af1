package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// lockRetryInterval 阻塞等锁时的轮询间隔
const lockRetryInterval = 20 * time.Millisecond

// TokenLock 按实例 token 加的建议锁, 同一个 token 的同步任务不能交叉执行
type TokenLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockFailed
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param ttl 锁最大的持有时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error
	// Synchronized
	//  @Description:  阻塞同步块, 最多等待 wait, 等不到返回 ErrLockWaitTimeout
	//  @param wait 最大等待时间
	Synchronized(ctx context.Context, key string, ttl time.Duration, wait time.Duration, f func(context.Context) error) error
}

type lockKey string

func lockKeyForToken(token string) string {
	return "WFLOCK:" + token
}

// waitSynchronized 用非阻塞的实现轮询等锁
func waitSynchronized(ctx context.Context, l TokenLock, key string, ttl time.Duration, wait time.Duration, f func(context.Context) error) error {
	deadline := time.Now().Add(wait)
	for {
		err := l.NonBlockingSynchronized(ctx, key, ttl, f)
		if err == nil || !errors.Is(err, ErrLockFailed) {
			return err
		}
		// 锁被占用，可能是 f 本身返回的 ErrLockFailed, 这里不区分, 统一重试
		if time.Now().After(deadline) {
			return errors.WithMessagef(ErrLockWaitTimeout, "wait lock %s for %s", key, wait)
		}
		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WithMessagef(ErrLockWaitTimeout, "wait lock %s canceled: %v", key, ctx.Err())
		case <-timer.C:
		}
	}
}
