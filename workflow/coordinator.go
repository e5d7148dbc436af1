package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/blingmoon/lanework/cache"
	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// StepOutcome 一次推进的结果
type StepOutcome struct {
	State      *InstanceState
	Output     map[string]any
	Transition *LaneTransition
	// Invited 这次新邀请的角色
	Invited []string
}

// Coordinator 流程实例生命周期的协调者
type Coordinator struct {
	cache   *WFCache
	lanes   *LaneCoordinator
	repo    InstanceRepo
	lock    TokenLock
	interp  Interpreter
	cfg     *Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	// retryInterval 保存失败重试的初始间隔
	retryInterval time.Duration
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithCoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithRetryInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.retryInterval = d
	}
}

func NewCoordinator(wfCache *WFCache, lanes *LaneCoordinator, interp Interpreter, cfg *Config, opts ...CoordinatorOption) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Coordinator{
		cache:         wfCache,
		lanes:         lanes,
		repo:          lanes.repo,
		lock:          lanes.lock,
		interp:        interp,
		cfg:           cfg,
		logger:        slog.Default(),
		now:           time.Now,
		retryInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

func (c *Coordinator) ResolveInstance(ctx context.Context, specName string, token string) (*InstanceState, error) {
	if token != "" {
		state, err := c.cache.Get(ctx, token, nil)
		if err == nil {
			if specName != "" && state.SpecName != specName {
				return nil, errors.WithMessagef(ErrParamInvalid, "token %s belongs to spec %s, not %s", token, state.SpecName, specName)
			}
			return state, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, errors.WithMessagef(err, "[Coordinator.ResolveInstance] token: %s", token)
		}
		c.logger.InfoContext(ctx, "[Coordinator.ResolveInstance] token not found, start a new instance", "token", token, "spec", specName)
	}
	if specName == "" {
		return nil, errors.WithMessage(ErrParamInvalid, "[Coordinator.ResolveInstance] spec name is required for a new instance")
	}
	state := NewInstanceState(specName)
	if err := c.interp.Begin(ctx, state); err != nil {
		return nil, errors.WithMessagef(err, "[Coordinator.ResolveInstance] begin spec: %s", specName)
	}
	return state, nil
}

// Advance 推进一步
//
// 同一个 token 的推进串行执行, 请求带的版本必须是最新的, 否则返回 ErrConflict。
// 邀请和保存在同一个事务里, 保存失败时邀请回滚, 缓存恢复成推进之前的状态
func (c *Coordinator) Advance(ctx context.Context, actor *Actor, state *InstanceState, input *StepInput) (*StepOutcome, error) {
	if actor == nil || state == nil || input == nil {
		return nil, errors.WithMessage(ErrParamInvalid, "[Coordinator.Advance] actor, state and input are required")
	}
	if err := validatorUtil.Struct(input); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "[Coordinator.Advance] invalid input, err: %v", err)
	}
	if state.Finished {
		return nil, errors.WithMessagef(ErrInstanceFinished, "[Coordinator.Advance] token: %s", state.Token)
	}
	var (
		out  *StepOutcome
		role string
	)
	ttl := c.cfg.LockTTL.Std()
	err := c.lock.Synchronized(ctx, lockKeyForToken(state.Token), ttl, ttl, func(ctx context.Context) error {
		var err error
		out, role, err = c.advance(ctx, actor, state, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.lanes.Notify(ctx, out.State, out.Transition, out.Invited, role)
	return out, nil
}

func (c *Coordinator) advance(ctx context.Context, actor *Actor, state *InstanceState, input *StepInput) (*StepOutcome, string, error) {
	prev, err := c.latest(ctx, state)
	if err != nil {
		return nil, "", err
	}
	working := state.Clone()
	if working == nil {
		return nil, "", errors.WithMessagef(ErrParamInvalid, "[Coordinator.Advance] clone state failed, token: %s", state.Token)
	}
	if err := c.interp.Begin(ctx, working); err != nil {
		return nil, "", err
	}
	role, open, err := c.authorize(ctx, actor, working)
	if err != nil {
		return nil, "", err
	}
	oldLaneID := working.LaneID
	if !open {
		working.CurrentActor = role
	}
	now := c.now()
	working.markStarted(now)
	working.Version = state.Version + 1

	result, err := c.interp.ComputeNextStep(ctx, working, input)
	if err != nil {
		return nil, "", err
	}
	tr := &LaneTransition{OldLaneID: oldLaneID, NewLaneID: working.LaneID, State: LaneSame}
	if result.TaskType == TaskTypeEnd {
		working.markFinished(now)
	} else {
		tr, err = c.transition(ctx, working, oldLaneID, role)
		if err != nil {
			return nil, "", err
		}
		if tr.NeedsInvite() {
			working.CurrentActor = ""
		}
	}
	invited := []string(nil)
	err = c.commit(ctx, working.SpecName, func(ctx context.Context) error {
		var err error
		invited, err = c.lanes.Invite(ctx, working, tr)
		if err != nil {
			return err
		}
		return c.save(ctx, role, working)
	})
	if err != nil {
		if rerr := c.cache.restore(ctx, state.Token, prev); rerr != nil {
			c.logger.ErrorContext(ctx, "[Coordinator.Advance] restore cache failed", "token", state.Token, "err", rerr)
		}
		return nil, "", err
	}
	return &StepOutcome{
		State:      working,
		Output:     result.Output,
		Transition: tr,
		Invited:    invited,
	}, role, nil
}

// latest 确认请求带的状态是最新的, 返回推进之前缓存里的状态, 没有缓存返回 nil
func (c *Coordinator) latest(ctx context.Context, state *InstanceState) (*InstanceState, error) {
	finished, err := c.cache.IsFinished(ctx, state.Token)
	if err != nil {
		return nil, err
	}
	if finished {
		return nil, errors.WithMessagef(ErrInstanceFinished, "[Coordinator.latest] token: %s", state.Token)
	}
	current, err := c.cache.Get(ctx, state.Token, nil)
	switch {
	case err == nil:
		if current.Finished {
			return nil, errors.WithMessagef(ErrInstanceFinished, "[Coordinator.latest] token: %s", state.Token)
		}
		if current.Version != state.Version {
			return nil, errors.WithMessagef(ErrConflict, "instance %s is at version %d, request has %d", state.Token, current.Version, state.Version)
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	prev, _, err := c.cache.cached(ctx, state.Token)
	if err != nil && !errors.Is(err, cache.ErrDecode) {
		return nil, errors.WithMessagef(err, "[Coordinator.latest] token: %s", state.Token)
	}
	return prev, nil
}

// commit 持久化的流程在数据库事务里执行 fn
func (c *Coordinator) commit(ctx context.Context, specName string, fn func(ctx context.Context) error) error {
	if c.cfg.IsEphemeral(specName) {
		return fn(ctx)
	}
	return c.repo.Transaction(ctx, fn)
}

// authorize 返回 actor 在当前 lane 使用的角色, open 表示当前 lane 是开放的
func (c *Coordinator) authorize(ctx context.Context, actor *Actor, state *InstanceState) (string, bool, error) {
	if state.CurrentActor != "" {
		roles, err := actor.Roles(ctx)
		if err != nil {
			return "", false, err
		}
		for _, role := range roles {
			if role == state.CurrentActor {
				return role, false, nil
			}
		}
		return "", false, errors.WithMessagef(ErrPermission, "instance %s is held by %s", state.Token, state.CurrentActor)
	}
	opts, err := c.interp.LaneOptions(state.SpecName, state.LaneID)
	if err != nil {
		return "", false, err
	}
	if opts.Open {
		return actor.RoleID(), true, nil
	}
	candidates, err := c.lanes.CandidateOwners(ctx, state, state.LaneID)
	if err != nil {
		return "", false, err
	}
	role, ok, err := actor.Match(ctx, candidates)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, errors.WithMessagef(ErrPermission, "user %s is not a candidate of lane %s", actor.UserID(), state.LaneID)
	}
	return role, false, nil
}

// transition 开放 lane 没有候选人, 当前角色直接继续持有
func (c *Coordinator) transition(ctx context.Context, state *InstanceState, oldLaneID string, role string) (*LaneTransition, error) {
	if oldLaneID == state.LaneID {
		return c.lanes.Transition(oldLaneID, state.LaneID, role, nil)
	}
	opts, err := c.interp.LaneOptions(state.SpecName, state.LaneID)
	if err != nil {
		return nil, err
	}
	candidates := []string{role}
	if !opts.Open {
		candidates, err = c.lanes.CandidateOwners(ctx, state, state.LaneID)
		if err != nil {
			return nil, err
		}
	}
	return c.lanes.Transition(oldLaneID, state.LaneID, role, candidates)
}

// save 连接问题有限次重试, 其他错误直接返回
func (c *Coordinator) save(ctx context.Context, role string, state *InstanceState) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.cache.Save(ctx, role, state)
		if err != nil && !IsRetryableError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			c.logger.WarnContext(ctx, "[Coordinator.save] save instance failed, retrying", "token", state.Token, "err", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.cfg.RequestRetryMax)))
	if err != nil {
		return errors.WithMessagef(err, "[Coordinator.save] token: %s", state.Token)
	}
	return nil
}
