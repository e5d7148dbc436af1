package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenLock(t *testing.T) {
	_, client := newTestRedis(t)
	locks := map[string]TokenLock{
		"local": NewLocalTokenLock(),
		"redis": NewRedisTokenLock(client),
	}
	for name, l := range locks {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := lockKeyForToken("lock_" + name)

			t.Run("持有期间其他人拿不到锁", func(t *testing.T) {
				err := l.NonBlockingSynchronized(ctx, key, time.Second, func(ctx context.Context) error {
					other := l.NonBlockingSynchronized(context.Background(), key, time.Second, func(context.Context) error {
						return nil
					})
					assert.True(t, errors.Is(other, ErrLockFailed))
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("可重入", func(t *testing.T) {
				called := false
				err := l.NonBlockingSynchronized(ctx, key, time.Second, func(ctx context.Context) error {
					return l.Synchronized(ctx, key, time.Second, 10*time.Millisecond, func(context.Context) error {
						called = true
						return nil
					})
				})
				require.NoError(t, err)
				assert.True(t, called)
			})

			t.Run("执行完释放锁", func(t *testing.T) {
				require.NoError(t, l.NonBlockingSynchronized(ctx, key, time.Second, func(context.Context) error { return nil }))
				require.NoError(t, l.NonBlockingSynchronized(ctx, key, time.Second, func(context.Context) error { return nil }))
			})

			t.Run("返回闭包的错误", func(t *testing.T) {
				boom := errors.New("boom")
				err := l.NonBlockingSynchronized(ctx, key, time.Second, func(context.Context) error { return boom })
				assert.Equal(t, boom, err)
			})

			t.Run("等锁超时", func(t *testing.T) {
				release := make(chan struct{})
				acquired := make(chan struct{})
				go func() {
					_ = l.NonBlockingSynchronized(ctx, key, time.Second, func(context.Context) error {
						close(acquired)
						<-release
						return nil
					})
				}()
				<-acquired
				err := l.Synchronized(ctx, key, time.Second, 50*time.Millisecond, func(context.Context) error {
					return nil
				})
				close(release)
				assert.True(t, errors.Is(err, ErrLockWaitTimeout))
			})

			t.Run("阻塞等待串行执行", func(t *testing.T) {
				var running, maxRunning, total int32
				wg := sync.WaitGroup{}
				for i := 0; i < 5; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						err := l.Synchronized(ctx, key, time.Second, 5*time.Second, func(context.Context) error {
							cur := atomic.AddInt32(&running, 1)
							for {
								old := atomic.LoadInt32(&maxRunning)
								if cur <= old || atomic.CompareAndSwapInt32(&maxRunning, old, cur) {
									break
								}
							}
							time.Sleep(5 * time.Millisecond)
							atomic.AddInt32(&running, -1)
							atomic.AddInt32(&total, 1)
							return nil
						})
						assert.NoError(t, err)
					}()
				}
				wg.Wait()
				assert.Equal(t, int32(1), maxRunning)
				assert.Equal(t, int32(5), total)
			})
		})
	}
}

func TestLocalTokenLockExpire(t *testing.T) {
	l := NewLocalTokenLock()
	ctx := context.Background()
	err := l.NonBlockingSynchronized(ctx, "expire", 10*time.Millisecond, func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		// 过期之后别人可以抢到
		return l.NonBlockingSynchronized(context.Background(), "expire", time.Second, func(context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
}

func TestRedisTokenLockUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisTokenLock(client)
	mr.Close()
	err := l.NonBlockingSynchronized(context.Background(), "down", time.Second, func(context.Context) error {
		return nil
	})
	assert.True(t, errors.Is(err, ErrTransientIO))
}
