package workflow

import (
	"context"
	"log/slog"
	"slices"

	"github.com/blingmoon/lanework/notify"
	"github.com/pkg/errors"
)

const (
	// task_data 里可以覆盖 lane 变更消息
	TaskDataLaneChangeTitle = "lane_change_title"
	TaskDataLaneChangeBody  = "lane_change_body"
)

// Notifier 消息投递, notify.Bus 实现了这个接口
type Notifier interface {
	Deliver(ctx context.Context, actorID string, msg notify.Message) (bool, error)
}

// LaneTransition 一次推进中 lane 的变化, 只在请求内有效
type LaneTransition struct {
	OldLaneID      string    `json:"old_lane_id"`
	NewLaneID      string    `json:"new_lane_id"`
	PossibleOwners []string  `json:"possible_owners"`
	State          LaneState `json:"state"`
	// Retained 当前角色也是新 lane 的候选人, 继续持有, 不需要邀请其他人
	Retained bool `json:"retained"`
}

func (t *LaneTransition) NeedsInvite() bool {
	return t != nil && t.State == LaneChanged && !t.Retained
}

// LaneCoordinator lane 变更检测和邀请分发
type LaneCoordinator struct {
	repo     InstanceRepo
	ledger   *InvitationLedger
	lock     TokenLock
	notifier Notifier
	interp   Interpreter
	cfg      *Config
	logger   *slog.Logger
	metrics  *Metrics
}

func NewLaneCoordinator(repo InstanceRepo, ledger *InvitationLedger, lock TokenLock, notifier Notifier, interp Interpreter, cfg *Config, logger *slog.Logger, metrics *Metrics) *LaneCoordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &LaneCoordinator{
		repo:     repo,
		ledger:   ledger,
		lock:     lock,
		notifier: notifier,
		interp:   interp,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Transition 计算 lane 变化
//
// lane 没变是 SameLane, 变了但是没有候选人是 Blocked 并返回 ErrPermission
func (c *LaneCoordinator) Transition(oldLaneID string, newLaneID string, currentUser string, candidates []string) (*LaneTransition, error) {
	tr := &LaneTransition{
		OldLaneID:      oldLaneID,
		NewLaneID:      newLaneID,
		PossibleOwners: UniqueStr(candidates),
	}
	switch {
	case oldLaneID == newLaneID:
		tr.State = LaneSame
	case len(tr.PossibleOwners) == 0:
		tr.State = LaneBlocked
		c.metrics.LaneTransitions.WithLabelValues(tr.State).Inc()
		return tr, errors.WithMessagef(ErrPermission, "lane %s has no candidate owner", newLaneID)
	default:
		tr.State = LaneChanged
		tr.Retained = currentUser != "" && slices.Contains(tr.PossibleOwners, currentUser)
	}
	c.metrics.LaneTransitions.WithLabelValues(tr.State).Inc()
	return tr, nil
}

// CandidateOwners lane 的候选角色, 开放 lane 返回空
func (c *LaneCoordinator) CandidateOwners(ctx context.Context, state *InstanceState, laneID string) ([]string, error) {
	owners, err := c.interp.CandidateOwners(ctx, state, laneID)
	if err != nil {
		return nil, errors.WithMessagef(err, "[LaneCoordinator.CandidateOwners] spec: %s, lane: %s", state.SpecName, laneID)
	}
	return owners, nil
}

// Apply lane 变更的全部副作用: 创建邀请再发通知
func (c *LaneCoordinator) Apply(ctx context.Context, state *InstanceState, tr *LaneTransition, leavingActor string) ([]string, error) {
	invited, err := c.Invite(ctx, state, tr)
	if err != nil {
		return nil, err
	}
	c.Notify(ctx, state, tr, invited, leavingActor)
	return invited, nil
}

// Invite 给还没有邀请的候选人创建邀请, 返回新邀请的角色
//
// 重复调用不会重复创建; 不持久化的流程不创建邀请, 所有候选人都当作新邀请
func (c *LaneCoordinator) Invite(ctx context.Context, state *InstanceState, tr *LaneTransition) ([]string, error) {
	if !tr.NeedsInvite() {
		return nil, nil
	}
	if c.cfg.IsEphemeral(state.SpecName) {
		return tr.PossibleOwners, nil
	}
	invited := make([]string, 0, len(tr.PossibleOwners))
	err := c.lock.Synchronized(ctx, lockKeyForToken(state.Token), c.cfg.LockTTL.Std(), c.cfg.LockTTL.Std(), func(ctx context.Context) error {
		return c.repo.Transaction(ctx, func(ctx context.Context) error {
			instance, err := c.ensureInstance(ctx, state)
			if err != nil {
				return err
			}
			if _, err := c.ledger.CloseOtherLanes(ctx, instance.ID, tr.NewLaneID); err != nil {
				return err
			}
			window, title, err := c.ledger.WindowFor(ctx, state.SpecName, tr.NewLaneID)
			if err != nil {
				return err
			}
			for _, role := range tr.PossibleOwners {
				_, created, err := c.ledger.Ensure(ctx, instance, role, tr.NewLaneID, title, window)
				if err != nil {
					return err
				}
				if created {
					invited = append(invited, role)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "[LaneCoordinator.Invite] token: %s, lane: %s", state.Token, tr.NewLaneID)
	}
	return invited, nil
}

// Notify 发送邀请和离开通知, 投递失败只打日志
func (c *LaneCoordinator) Notify(ctx context.Context, state *InstanceState, tr *LaneTransition, invited []string, leavingActor string) {
	if !tr.NeedsInvite() || c.notifier == nil {
		return
	}
	opts, err := c.interp.LaneOptions(state.SpecName, tr.NewLaneID)
	if err != nil {
		c.logger.WarnContext(ctx, "[LaneCoordinator.Notify] lane options not found", "token", state.Token, "lane", tr.NewLaneID, "err", err)
		return
	}
	title, body := c.laneChangeMessage(state)
	if opts.AutoInvite {
		for _, role := range invited {
			msg := notify.NewMessage(notify.MessageTypeInvitation, title, body)
			msg.Token = state.Token
			msg.Payload = map[string]any{"lane_id": tr.NewLaneID, "spec_name": state.SpecName}
			c.deliver(ctx, role, msg)
		}
	}
	if opts.AutoSendoff && leavingActor != "" {
		msg := notify.NewMessage(notify.MessageTypeSendOff, title, body)
		msg.Token = state.Token
		msg.Payload = map[string]any{"lane_id": tr.NewLaneID, "possible_owners": tr.PossibleOwners}
		c.deliver(ctx, leavingActor, msg)
	}
}

func (c *LaneCoordinator) deliver(ctx context.Context, actorID string, msg notify.Message) {
	if _, err := c.notifier.Deliver(ctx, actorID, msg); err != nil {
		c.logger.WarnContext(ctx, "[LaneCoordinator.deliver] deliver message failed", "actor", actorID, "type", msg.Type, "token", msg.Token, "err", err)
	}
}

// laneChangeMessage 配置里的默认消息, task_data 可以覆盖
func (c *LaneCoordinator) laneChangeMessage(state *InstanceState) (string, string) {
	title, body := c.cfg.LaneChangeMessage.Title, c.cfg.LaneChangeMessage.Body
	if v, ok := state.TaskData.GetString(TaskDataLaneChangeTitle); ok && v != "" {
		title = v
	}
	if v, ok := state.TaskData.GetString(TaskDataLaneChangeBody); ok && v != "" {
		body = v
	}
	return title, body
}

// ensureInstance 邀请需要挂在数据库的实例上, 还没同步过的新实例先建一个空行
func (c *LaneCoordinator) ensureInstance(ctx context.Context, state *InstanceState) (*WorkflowInstancePo, error) {
	po, err := c.repo.GetInstanceByToken(ctx, state.Token)
	if err == nil {
		if po.Finished {
			return nil, errors.WithMessagef(ErrInstanceFinished, "[LaneCoordinator.ensureInstance] token: %s", state.Token)
		}
		return po, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	po = &WorkflowInstancePo{
		Token:    state.Token,
		SpecName: state.SpecName,
	}
	if err := c.repo.SaveInstance(ctx, po); err != nil {
		return nil, err
	}
	return po, nil
}
