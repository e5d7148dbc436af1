package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// FlushBatchSize Flush 每批最多删除的 key 数量，避免大批量删除阻塞 redis
const FlushBatchSize = 5000

var (
	// ErrTransientIO 缓存连接/读写失败，调用方可以重试
	ErrTransientIO = errors.New("cache transient io error")
	// ErrDecode 缓存里的值无法反序列化
	ErrDecode = errors.New("cache decode failed")
)

// KeyedCache 命名空间化的 key/value 缓存
//
// 所有的 key 格式为 PREFIX:part1:part2，值默认用 JSON 序列化，
// WithRaw 的缓存直接存字符串（计数器之类的场景）
type KeyedCache struct {
	client redis.Cmdable
	prefix string
	raw    bool
	ttl    time.Duration
}

// Option 配置 KeyedCache
type Option func(*KeyedCache)

// WithRaw 不做 JSON 序列化，值按字符串原样存储
func WithRaw() Option {
	return func(c *KeyedCache) {
		c.raw = true
	}
}

// WithTTL 设置 Set 的默认过期时间，0 表示不过期
func WithTTL(ttl time.Duration) Option {
	return func(c *KeyedCache) {
		c.ttl = ttl
	}
}

func NewKeyedCache(client redis.Cmdable, prefix string, opts ...Option) *KeyedCache {
	c := &KeyedCache{
		client: client,
		prefix: prefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prefix 返回缓存的命名空间
func (c *KeyedCache) Prefix() string {
	return c.prefix
}

// Key 拼接完整的 redis key
func (c *KeyedCache) Key(parts ...string) string {
	if len(parts) == 0 {
		return c.prefix
	}
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Get 读取缓存到 dest
//
// key 不存在时返回 false 且不修改 dest，调用方预先放在 dest 里的值就是默认值
func (c *KeyedCache) Get(ctx context.Context, dest any, parts ...string) (bool, error) {
	key := c.Key(parts...)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithMessagef(ErrTransientIO, "[KeyedCache.Get] key: %s, err: %v", key, err)
	}
	if err := c.decode(data, dest); err != nil {
		return false, errors.WithMessagef(err, "[KeyedCache.Get] key: %s", key)
	}
	return true, nil
}

// GetString 读取原始字符串，key 不存在返回 def
func (c *KeyedCache) GetString(ctx context.Context, def string, parts ...string) (string, error) {
	key := c.Key(parts...)
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return def, errors.WithMessagef(ErrTransientIO, "[KeyedCache.GetString] key: %s, err: %v", key, err)
	}
	return val, nil
}

// GetInt64 读取计数器，key 不存在返回 def
func (c *KeyedCache) GetInt64(ctx context.Context, def int64, parts ...string) (int64, error) {
	val, err := c.GetString(ctx, "", parts...)
	if err != nil {
		return def, err
	}
	if val == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def, errors.WithMessagef(ErrDecode, "[KeyedCache.GetInt64] key: %s, value: %s", c.Key(parts...), val)
	}
	return n, nil
}

// Set 使用缓存默认的过期时间写入
func (c *KeyedCache) Set(ctx context.Context, value any, parts ...string) error {
	return c.SetWithTTL(ctx, value, c.ttl, parts...)
}

// SetWithTTL 写入并指定过期时间，ttl 为 0 表示不过期
func (c *KeyedCache) SetWithTTL(ctx context.Context, value any, ttl time.Duration, parts ...string) error {
	key := c.Key(parts...)
	data, err := c.encode(value)
	if err != nil {
		return errors.WithMessagef(err, "[KeyedCache.Set] key: %s", key)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.WithMessagef(ErrTransientIO, "[KeyedCache.Set] key: %s, err: %v", key, err)
	}
	return nil
}

func (c *KeyedCache) Delete(ctx context.Context, parts ...string) error {
	key := c.Key(parts...)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return errors.WithMessagef(ErrTransientIO, "[KeyedCache.Delete] key: %s, err: %v", key, err)
	}
	return nil
}

func (c *KeyedCache) Exists(ctx context.Context, parts ...string) (bool, error) {
	key := c.Key(parts...)
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.WithMessagef(ErrTransientIO, "[KeyedCache.Exists] key: %s, err: %v", key, err)
	}
	return n > 0, nil
}

// Increment 原子加 delta，返回新值
func (c *KeyedCache) Increment(ctx context.Context, delta int64, parts ...string) (int64, error) {
	key := c.Key(parts...)
	n, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, errors.WithMessagef(ErrTransientIO, "[KeyedCache.Increment] key: %s, err: %v", key, err)
	}
	return n, nil
}

// Decrement 原子减 delta，返回新值
func (c *KeyedCache) Decrement(ctx context.Context, delta int64, parts ...string) (int64, error) {
	key := c.Key(parts...)
	n, err := c.client.DecrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, errors.WithMessagef(ErrTransientIO, "[KeyedCache.Decrement] key: %s, err: %v", key, err)
	}
	return n, nil
}

// ListAppend 追加到列表尾部
func (c *KeyedCache) ListAppend(ctx context.Context, value any, parts ...string) error {
	key := c.Key(parts...)
	data, err := c.encode(value)
	if err != nil {
		return errors.WithMessagef(err, "[KeyedCache.ListAppend] key: %s", key)
	}
	if err := c.client.RPush(ctx, key, data).Err(); err != nil {
		return errors.WithMessagef(ErrTransientIO, "[KeyedCache.ListAppend] key: %s, err: %v", key, err)
	}
	return nil
}

// ListPrepend 按 values 的顺序放到列表头部, 放完之后列表以 values[0] 开头
func (c *KeyedCache) ListPrepend(ctx context.Context, values []any, parts ...string) error {
	if len(values) == 0 {
		return nil
	}
	key := c.Key(parts...)
	data := make([]any, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		v, err := c.encode(values[i])
		if err != nil {
			return errors.WithMessagef(err, "[KeyedCache.ListPrepend] key: %s", key)
		}
		data = append(data, v)
	}
	if err := c.client.LPush(ctx, key, data...).Err(); err != nil {
		return errors.WithMessagef(ErrTransientIO, "[KeyedCache.ListPrepend] key: %s, err: %v", key, err)
	}
	return nil
}

// ListAll 返回列表的全部元素（序列化后的原始值），列表不存在返回空
func (c *KeyedCache) ListAll(ctx context.Context, parts ...string) ([]string, error) {
	key := c.Key(parts...)
	vals, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.WithMessagef(ErrTransientIO, "[KeyedCache.ListAll] key: %s, err: %v", key, err)
	}
	return vals, nil
}

// ListDrain 原子地读取并清空列表
func (c *KeyedCache) ListDrain(ctx context.Context, parts ...string) ([]string, error) {
	key := c.Key(parts...)
	var rangeCmd *redis.StringSliceCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(ErrTransientIO, "[KeyedCache.ListDrain] key: %s, err: %v", key, err)
	}
	return rangeCmd.Val(), nil
}

// Decode 按缓存的序列化方式解码 ListAll/ListDrain 返回的元素
func (c *KeyedCache) Decode(raw string, dest any) error {
	return c.decode([]byte(raw), dest)
}

// Flush 删除所有以 Key(parts...) 开头的 key，返回被删除的 key
func (c *KeyedCache) Flush(ctx context.Context, parts ...string) ([]string, error) {
	deleted, _, err := c.flush(ctx, parts...)
	return deleted, err
}

func (c *KeyedCache) flush(ctx context.Context, parts ...string) ([]string, int, error) {
	pattern := c.Key(parts...) + "*"
	deleted := make([]string, 0)
	batches := 0
	batch := make([]string, 0, FlushBatchSize)

	deleteBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return errors.WithMessagef(ErrTransientIO, "[KeyedCache.Flush] pattern: %s, err: %v", pattern, err)
		}
		deleted = append(deleted, batch...)
		batches++
		batch = batch[:0]
		return nil
	}

	iter := c.client.Scan(ctx, 0, pattern, FlushBatchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= FlushBatchSize {
			if err := deleteBatch(); err != nil {
				return deleted, batches, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, batches, errors.WithMessagef(ErrTransientIO, "[KeyedCache.Flush] scan pattern: %s, err: %v", pattern, err)
	}
	if err := deleteBatch(); err != nil {
		return deleted, batches, err
	}
	return deleted, batches, nil
}

func (c *KeyedCache) encode(value any) (any, error) {
	if !c.raw {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "json marshal failed, value type: %T", value)
		}
		return data, nil
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return v, nil
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return fmt.Sprint(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return nil, errors.Errorf("raw cache can not store value type %T", value)
}

func (c *KeyedCache) decode(data []byte, dest any) error {
	if dest == nil {
		return nil
	}
	if c.raw {
		switch d := dest.(type) {
		case *string:
			*d = string(data)
			return nil
		case *[]byte:
			*d = append((*d)[:0], data...)
			return nil
		case *int64:
			n, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return errors.WithMessagef(ErrDecode, "parse int64 failed, value: %s", string(data))
			}
			*d = n
			return nil
		}
		return errors.WithMessagef(ErrDecode, "raw cache can not decode into %T", dest)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.WithMessagef(ErrDecode, "json unmarshal failed, err: %v", err)
	}
	return nil
}
