package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalTokenLock 单进程使用的锁, 多进程部署用 NewRedisTokenLock
func NewLocalTokenLock() TokenLock {
	return &localTokenLock{
		holders: make(map[string]*localLockInfo),
	}
}

type localTokenLock struct {
	mu      sync.Mutex
	holders map[string]*localLockInfo
}

type localLockInfo struct {
	value    string    // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time // 过期之后其他人可以抢
}

func (l *localTokenLock) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	value := fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
	if !l.tryAcquire(key, value, ttl) {
		return errors.WithMessagef(ErrLockFailed, "[localTokenLock.NonBlockingSynchronized] %s has been locked", key)
	}
	defer l.release(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *localTokenLock) Synchronized(ctx context.Context, key string, ttl time.Duration, wait time.Duration, f func(context.Context) error) error {
	return waitSynchronized(ctx, l, key, ttl, wait, f)
}

func (l *localTokenLock) tryAcquire(key, value string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if info, ok := l.holders[key]; ok && now.Before(info.expireAt) {
		return false
	}
	l.holders[key] = &localLockInfo{value: value, expireAt: now.Add(ttl)}
	return true
}

func (l *localTokenLock) release(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.holders[key]
	if !ok || info.value != value {
		// 已经过期被别人抢走了
		return
	}
	delete(l.holders, key)
}
