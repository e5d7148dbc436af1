package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/blingmoon/lanework/cache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	instanceCachePrefix = "WF"
	finishedMarkPrefix  = "WFDONE"
	// finishedMarkTTL 结束标记只需要挡住结束之后还在路上的旧请求
	finishedMarkTTL = 7 * 24 * time.Hour
)

// WFCache 流程实例状态的读写入口
//
// 读: 缓存命中直接返回, 没命中查数据库但不回写缓存
// 写: 同步写缓存, 异步投递持久化任务
type WFCache struct {
	states   *cache.KeyedCache
	finished *cache.KeyedCache
	repo     InstanceRepo
	queue    JobQueue
	cfg      *Config
	metrics  *Metrics
	logger   *slog.Logger
}

type WFCacheOption func(*WFCache)

func WithWFCacheLogger(logger *slog.Logger) WFCacheOption {
	return func(c *WFCache) {
		c.logger = logger
	}
}

func WithWFCacheMetrics(m *Metrics) WFCacheOption {
	return func(c *WFCache) {
		c.metrics = m
	}
}

func NewWFCache(client redis.Cmdable, repo InstanceRepo, queue JobQueue, cfg *Config, opts ...WFCacheOption) *WFCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &WFCache{
		states:   cache.NewKeyedCache(client, instanceCachePrefix, cache.WithTTL(cfg.DefaultCacheExpiry.Std())),
		finished: cache.NewKeyedCache(client, finishedMarkPrefix, cache.WithRaw(), cache.WithTTL(finishedMarkTTL)),
		repo:     repo,
		queue:    queue,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// Get 根据 token 读取实例状态
//
// 缓存和数据库都没有时返回 def, def 为 nil 返回 ErrNotFound
func (c *WFCache) Get(ctx context.Context, token string, def *InstanceState) (*InstanceState, error) {
	finished, err := c.IsFinished(ctx, token)
	if err != nil {
		return nil, err
	}
	if !finished {
		state := &InstanceState{}
		found, err := c.states.Get(ctx, state, token)
		switch {
		case err == nil && found:
			c.metrics.CacheLookups.WithLabelValues("cache").Inc()
			state.normalize()
			return state, nil
		case err != nil && errors.Is(err, cache.ErrDecode):
			// 缓存坏了就以数据库为准
			c.logger.WarnContext(ctx, "[WFCache.Get] decode cached state failed, fallback to durable store", "token", token, "err", err)
		case err != nil:
			return nil, errors.WithMessagef(err, "[WFCache.Get] token: %s", token)
		}
	}
	po, err := c.repo.GetInstanceByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, errors.WithMessagef(err, "[WFCache.Get] token: %s", token)
		}
		c.metrics.CacheLookups.WithLabelValues("miss").Inc()
		if def == nil {
			return nil, errors.WithMessagef(ErrNotFound, "workflow instance not found, token: %s", token)
		}
		return def, nil
	}
	c.metrics.CacheLookups.WithLabelValues("durable").Inc()
	return projectInstance(po)
}

// Save 写缓存并投递持久化任务
//
// 缓存写成功就算保存成功, 投递失败返回 ErrTransientIO 让调用方重试
func (c *WFCache) Save(ctx context.Context, roleID string, state *InstanceState) error {
	if state == nil || state.Token == "" {
		return errors.WithMessage(ErrParamInvalid, "[WFCache.Save] empty token")
	}
	finished, err := c.IsFinished(ctx, state.Token)
	if err != nil {
		return err
	}
	if finished {
		return errors.WithMessagef(ErrInstanceFinished, "[WFCache.Save] token: %s", state.Token)
	}
	state.RoleID = roleID
	if err := c.states.Set(ctx, state, state.Token); err != nil {
		return errors.WithMessagef(err, "[WFCache.Save] write cache, token: %s", state.Token)
	}
	state.IsNew = false
	if c.cfg.IsEphemeral(state.SpecName) {
		if state.Finished {
			// 不持久化的流程没有同步任务来清理, 结束时直接清掉
			if err := c.Evict(ctx, state.Token); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.queue.Publish(ctx, NewSyncJob(state.Token)); err != nil {
		return errors.WithMessagef(ErrTransientIO, "[WFCache.Save] publish sync job, token: %s, err: %v", state.Token, err)
	}
	return nil
}

// restore 推进失败时把缓存恢复成推进之前的样子, prev 为 nil 表示之前没有缓存
//
// 已经结束的实例不再写缓存
func (c *WFCache) restore(ctx context.Context, token string, prev *InstanceState) error {
	finished, err := c.IsFinished(ctx, token)
	if err != nil || finished {
		return err
	}
	if prev == nil {
		return c.states.Delete(ctx, token)
	}
	if err := c.states.Set(ctx, prev, token); err != nil {
		return errors.WithMessagef(err, "[WFCache.restore] token: %s", token)
	}
	return nil
}

// Delete 只删除缓存
func (c *WFCache) Delete(ctx context.Context, token string) error {
	return c.states.Delete(ctx, token)
}

// Evict 删除缓存并标记结束, 之后的 Save 都会被拒绝
func (c *WFCache) Evict(ctx context.Context, token string) error {
	if err := c.finished.Set(ctx, "1", token); err != nil {
		return errors.WithMessagef(err, "[WFCache.Evict] mark finished, token: %s", token)
	}
	return c.states.Delete(ctx, token)
}

func (c *WFCache) IsFinished(ctx context.Context, token string) (bool, error) {
	ok, err := c.finished.Exists(ctx, token)
	if err != nil {
		return false, errors.WithMessagef(err, "[WFCache.IsFinished] token: %s", token)
	}
	return ok, nil
}

// cached 只读缓存, 同步任务用
func (c *WFCache) cached(ctx context.Context, token string) (*InstanceState, bool, error) {
	state := &InstanceState{}
	found, err := c.states.Get(ctx, state, token)
	if err != nil || !found {
		return nil, false, err
	}
	state.normalize()
	return state, true, nil
}
