package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/blingmoon/lanework/notify"
	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxAttempts   = 5
	defaultSweepInterval = time.Minute
)

// SyncWorker 消费持久化同步任务, 把缓存里的实例状态写到数据库
//
// 任务只带 token, 每次都从缓存重新读取最新状态, 重复或者乱序的任务不影响结果
type SyncWorker struct {
	cache    *WFCache
	repo     InstanceRepo
	ledger   *InvitationLedger
	lock     TokenLock
	queue    JobQueue
	notifier Notifier
	cfg      *Config
	logger   *slog.Logger
	metrics  *Metrics

	maxAttempts   int
	retryInterval time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

type SyncWorkerOption func(*SyncWorker)

func WithSyncLogger(logger *slog.Logger) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.logger = logger
	}
}

func WithSyncMetrics(m *Metrics) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.metrics = m
	}
}

// WithMaxAttempts 超过次数的任务进入死信队列
func WithMaxAttempts(n int) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.maxAttempts = n
	}
}

func WithSyncRetryInterval(d time.Duration) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.retryInterval = d
	}
}

// WithSweepInterval 邀请过期检查的间隔, <=0 不检查
func WithSweepInterval(d time.Duration) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.sweepInterval = d
	}
}

func NewSyncWorker(cache *WFCache, repo InstanceRepo, ledger *InvitationLedger, lock TokenLock, queue JobQueue, notifier Notifier, cfg *Config, opts ...SyncWorkerOption) *SyncWorker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	w := &SyncWorker{
		cache:         cache,
		repo:          repo,
		ledger:        ledger,
		lock:          lock,
		queue:         queue,
		notifier:      notifier,
		cfg:           cfg,
		logger:        slog.Default(),
		maxAttempts:   defaultMaxAttempts,
		retryInterval: 100 * time.Millisecond,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}
	return w
}

// Run 启动 sync_workers 个消费者, ctx 结束时返回
//
// 启动前先把上次崩溃留在处理中的任务放回队列
func (w *SyncWorker) Run(ctx context.Context) error {
	w.requeueUnacked(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.SyncWorkers; i++ {
		g.Go(func() error {
			return w.consume(ctx)
		})
	}
	if w.sweepInterval > 0 {
		g.Go(func() error {
			return w.sweepLoop(ctx)
		})
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *SyncWorker) requeueUnacked(ctx context.Context) {
	r, ok := w.queue.(Requeuer)
	if !ok {
		return
	}
	moved, err := r.Requeue(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "[SyncWorker.requeueUnacked] requeue unacked sync jobs failed", "moved", moved, "err", err)
		return
	}
	if moved > 0 {
		w.metrics.SyncJobs.WithLabelValues("recovered").Add(float64(moved))
		w.logger.InfoContext(ctx, "[SyncWorker.requeueUnacked] requeued unacked sync jobs", "moved", moved)
	}
}

func (w *SyncWorker) consume(ctx context.Context) error {
	for {
		d, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.WarnContext(ctx, "[SyncWorker.consume] receive sync job failed", "err", err)
			if errors.Is(err, ErrParamInvalid) {
				continue
			}
			if !w.sleep(ctx, w.retryInterval) {
				return nil
			}
			continue
		}
		w.Process(ctx, d)
	}
}

// Process 处理一个取出来的任务并确认
//
// 可以重试的错误重新投递, 次数用完或者不能重试的进入死信队列
func (w *SyncWorker) Process(ctx context.Context, d *Delivery) {
	err := w.handleWithRetry(ctx, d.Job)
	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, d); ackErr != nil {
			w.logger.WarnContext(ctx, "[SyncWorker.Process] ack failed", "token", d.Job.Token, "err", ackErr)
		}
		return
	case IsRetryableError(err) && d.Job.Attempt+1 < w.maxAttempts:
		w.metrics.SyncJobs.WithLabelValues("requeued").Inc()
		w.logger.WarnContext(ctx, "[SyncWorker.Process] sync failed, requeue", "token", d.Job.Token, "attempt", d.Job.Attempt, "err", err)
		if nackErr := w.queue.Nack(ctx, d); nackErr != nil {
			w.logger.ErrorContext(ctx, "[SyncWorker.Process] nack failed", "token", d.Job.Token, "err", nackErr)
		}
		return
	}
	w.metrics.SyncJobs.WithLabelValues("dead").Inc()
	if IsSeriousError(err) {
		w.logger.ErrorContext(ctx, "[SyncWorker.Process] sync failed, move to dead letter", "token", d.Job.Token, "attempt", d.Job.Attempt, "err", err)
	} else {
		w.logger.WarnContext(ctx, "[SyncWorker.Process] sync failed, move to dead letter", "token", d.Job.Token, "attempt", d.Job.Attempt, "err", err)
	}
	if dlqErr := w.queue.DeadLetter(ctx, d); dlqErr != nil {
		w.logger.ErrorContext(ctx, "[SyncWorker.Process] dead letter failed", "token", d.Job.Token, "err", dlqErr)
	}
}

// handleWithRetry 锁冲突之类的短暂问题先在本地重试几次
func (w *SyncWorker) handleWithRetry(ctx context.Context, job SyncJob) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := w.Handle(ctx, job)
		if err != nil && !IsRetryableError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	return err
}

// Handle 同步一个 token, 同一个 token 的任务串行执行
func (w *SyncWorker) Handle(ctx context.Context, job SyncJob) error {
	if job.Job != SyncJobName || job.Token == "" {
		return errors.WithMessagef(ErrParamInvalid, "[SyncWorker.Handle] bad job: %+v", job)
	}
	start := time.Now()
	defer func() {
		w.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}()
	ttl := w.cfg.LockTTL.Std()
	return w.lock.Synchronized(ctx, lockKeyForToken(job.Token), ttl, ttl, func(ctx context.Context) error {
		return w.sync(ctx, job.Token)
	})
}

type syncResult struct {
	// alreadyFinished 数据库里已经结束, 这是一个迟到的任务
	alreadyFinished bool
	finished        bool
	conflict        bool
	loser           string
	winner          string
}

func (w *SyncWorker) sync(ctx context.Context, token string) error {
	state, found, err := w.cache.cached(ctx, token)
	if err != nil {
		return errors.WithMessagef(err, "[SyncWorker.sync] read cache, token: %s", token)
	}
	if !found || state.RoleID == "" {
		// 缓存已经被清掉了, 没有可以同步的
		w.metrics.SyncJobs.WithLabelValues("skipped").Inc()
		return nil
	}
	res := &syncResult{}
	err = w.repo.Transaction(ctx, func(ctx context.Context) error {
		return w.syncInstance(ctx, state, res)
	})
	if err != nil {
		w.metrics.SyncJobs.WithLabelValues("failed").Inc()
		return errors.WithMessagef(err, "[SyncWorker.sync] token: %s", token)
	}
	switch {
	case res.alreadyFinished:
		w.logger.InfoContext(ctx, "[SyncWorker.sync] instance already finished, drop stale cache", "token", token)
		w.metrics.SyncJobs.WithLabelValues("stale").Inc()
		return w.cache.Evict(ctx, token)
	case res.conflict:
		// 以数据库为准, 下次读取从数据库恢复
		if err := w.cache.Delete(ctx, token); err != nil {
			return err
		}
		w.notifyLoser(ctx, token, res)
		w.metrics.SyncJobs.WithLabelValues("conflict").Inc()
		return nil
	case res.finished:
		if err := w.cache.Evict(ctx, token); err != nil {
			return err
		}
	}
	w.metrics.SyncJobs.WithLabelValues("synced").Inc()
	return nil
}

func (w *SyncWorker) syncInstance(ctx context.Context, state *InstanceState, res *syncResult) error {
	po, err := w.repo.GetInstanceByToken(ctx, state.Token)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		po = &WorkflowInstancePo{Token: state.Token}
	}
	if po.Finished {
		res.alreadyFinished = true
		return nil
	}
	// 推进一步就离开 lane 的角色, 缓存里没有持有人, 用产生这个版本的角色认领
	role := state.CurrentActor
	if role == "" && po.CurrentActor == "" {
		role = state.RoleID
	}
	if role != "" && role != po.CurrentActor {
		if err := w.claim(ctx, po, state, role, res); err != nil {
			return err
		}
		if res.conflict {
			return nil
		}
	}
	if err := copyStateToPo(state, po); err != nil {
		return err
	}
	if state.Finished {
		po.Finished = true
		finishDate := w.now()
		if t, ok := parseStateDate(state.FinishDate); ok {
			finishDate = t
		}
		po.FinishDate = &finishDate
		res.finished = true
	}
	if err := w.repo.SaveInstance(ctx, po); err != nil {
		return err
	}
	if res.finished {
		if _, err := w.ledger.DeleteAll(ctx, po.ID); err != nil {
			return err
		}
	}
	return nil
}

// claim 第一个认领的角色获胜, 其他邀请全部删除
func (w *SyncWorker) claim(ctx context.Context, po *WorkflowInstancePo, state *InstanceState, role string, res *syncResult) error {
	if po.ID == 0 {
		w.logger.InfoContext(ctx, "[SyncWorker.claim] instance has no invitation yet", "token", state.Token, "role", role)
		return nil
	}
	_, err := w.ledger.ClaimExclusive(ctx, po.ID, role)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict):
		if state.CurrentActor == "" {
			// 缓存里已经没有持有人, 不需要让缓存让路
			w.logger.InfoContext(ctx, "[SyncWorker.claim] claimed by others, keep syncing", "token", state.Token, "role", role, "err", err)
			return nil
		}
	case errors.Is(err, ErrNotFound):
		if po.CurrentActor == "" {
			return w.claimLeftLane(ctx, po, state, role)
		}
		if po.LaneID != state.LaneID {
			// 重新运行或者外部触发的实例没有邀请, 继续同步
			w.logger.InfoContext(ctx, "[SyncWorker.claim] invitation not found", "token", state.Token, "role", role, "err", err)
			return nil
		}
		// 输家的邀请已经被赢家删除了
	default:
		return err
	}
	res.conflict = true
	res.loser = role
	res.winner = po.CurrentActor
	w.logger.InfoContext(ctx, "[SyncWorker.claim] claim lost", "token", state.Token, "loser", res.loser, "winner", res.winner, "err", err)
	return nil
}

// claimLeftLane 角色在当前 lane 没有邀请, 认领它刚离开的 lane 的邀请
func (w *SyncWorker) claimLeftLane(ctx context.Context, po *WorkflowInstancePo, state *InstanceState, role string) error {
	inv, err := w.ledger.ClaimLeftLane(ctx, po.ID, state.LaneID, role)
	switch {
	case err == nil:
		w.logger.InfoContext(ctx, "[SyncWorker.claimLeftLane] claimed left lane", "token", state.Token, "role", role, "lane", inv.LaneID)
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		w.logger.InfoContext(ctx, "[SyncWorker.claimLeftLane] nothing to claim", "token", state.Token, "role", role, "err", err)
		return nil
	}
	return err
}

func (w *SyncWorker) notifyLoser(ctx context.Context, token string, res *syncResult) {
	if w.notifier == nil || res.loser == "" {
		return
	}
	msg := notify.NewMessage(notify.MessageTypeInfo, "Task already taken", "Another participant picked up this task first.")
	msg.Token = token
	if res.winner != "" {
		msg.Payload = map[string]any{"winner": res.winner}
	}
	if _, err := w.notifier.Deliver(ctx, res.loser, msg); err != nil {
		w.logger.WarnContext(ctx, "[SyncWorker.notifyLoser] deliver failed", "token", token, "actor", res.loser, "err", err)
	}
}

// Sweep 激活到了开始时间的邀请, 过期超过截止时间的邀请
func (w *SyncWorker) Sweep(ctx context.Context, now time.Time) (int64, int64, error) {
	activated, err := w.ledger.Activate(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	expired, err := w.ledger.ExpireOverdue(ctx, now)
	if err != nil {
		return activated, 0, err
	}
	return activated, expired, nil
}

func (w *SyncWorker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			activated, expired, err := w.Sweep(ctx, w.now())
			if err != nil {
				w.logger.WarnContext(ctx, "[SyncWorker.sweepLoop] sweep invitations failed", "err", err)
				continue
			}
			if activated > 0 || expired > 0 {
				w.logger.InfoContext(ctx, "[SyncWorker.sweepLoop] invitations swept", "activated", activated, "expired", expired)
			}
		}
	}
}

func (w *SyncWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// copyStateToPo 缓存里的字段复制到数据库行
func copyStateToPo(state *InstanceState, po *WorkflowInstancePo) error {
	taskData, err := state.TaskData.MarshalJSON()
	if err != nil {
		return errors.WithMessagef(err, "marshal task_data, token: %s", state.Token)
	}
	poolData, err := json.Marshal(state.PoolData)
	if err != nil {
		return errors.WithMessagef(err, "marshal pool_data, token: %s", state.Token)
	}
	po.SpecName = state.SpecName
	po.Step = state.Step
	po.LaneID = state.LaneID
	po.CurrentActor = state.CurrentActor
	po.TaskData = taskData
	po.PoolData = poolData
	po.Version = state.Version
	if state.Started && !po.Started {
		po.Started = true
		if t, ok := parseStateDate(state.StartDate); ok {
			po.StartDate = &t
		}
	}
	return nil
}
