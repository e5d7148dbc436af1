package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// InvitationWindow 邀请的有效时间, 为空表示不限制
type InvitationWindow struct {
	Start  *time.Time
	Finish *time.Time
}

// InvitationLedger 管理实例的邀请, 保证同一个实例最多只有一个角色认领成功
type InvitationLedger struct {
	repo    InstanceRepo
	metrics *Metrics
	now     func() time.Time
}

func NewInvitationLedger(repo InstanceRepo, metrics *Metrics) *InvitationLedger {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &InvitationLedger{repo: repo, metrics: metrics, now: time.Now}
}

// WindowFor 从 lane 任务配置读取邀请窗口和标题, 没有配置返回空窗口
func (l *InvitationLedger) WindowFor(ctx context.Context, specName string, laneID string) (InvitationWindow, string, error) {
	task, err := l.repo.GetTask(ctx, specName, laneID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return InvitationWindow{}, "", nil
		}
		return InvitationWindow{}, "", err
	}
	return InvitationWindow{Start: task.StartDate, Finish: task.FinishDate}, task.Title, nil
}

// Create 创建一个未认领的邀请, 还没到开始时间的是 future, 否则是 waiting
func (l *InvitationLedger) Create(ctx context.Context, instance *WorkflowInstancePo, roleID string, laneID string, title string, window InvitationWindow) (*TaskInvitationPo, error) {
	if instance == nil || instance.ID == 0 {
		return nil, errors.WithMessage(ErrParamInvalid, "[InvitationLedger.Create] instance not saved")
	}
	if roleID == "" {
		return nil, errors.WithMessage(ErrParamInvalid, "[InvitationLedger.Create] empty role")
	}
	progress := ProgressWaiting
	if window.Start != nil && l.now().Before(*window.Start) {
		progress = ProgressFuture
	}
	inv, err := l.repo.CreateInvitation(ctx, &TaskInvitationPo{
		InstanceID:     instance.ID,
		InstanceToken:  instance.Token,
		RoleID:         roleID,
		LaneID:         laneID,
		Title:          title,
		OwnershipState: OwnershipUnclaimed,
		ProgressState:  progress,
		StartDate:      window.Start,
		FinishDate:     window.Finish,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "[InvitationLedger.Create] instance: %d, role: %s", instance.ID, roleID)
	}
	l.metrics.Invitations.WithLabelValues("created").Inc()
	return inv, nil
}

// Ensure 角色已经有未结束的邀请就不再创建, 返回是否新建
func (l *InvitationLedger) Ensure(ctx context.Context, instance *WorkflowInstancePo, roleID string, laneID string, title string, window InvitationWindow) (*TaskInvitationPo, bool, error) {
	invs, err := l.repo.QueryInvitations(ctx, &QueryInvitationParams{
		InstanceID:      &instance.ID,
		RoleID:          &roleID,
		ProgressStateIn: liveProgressStates,
		OrderbyIDAsc:    Bool(true),
		Page:            &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, false, errors.WithMessagef(err, "[InvitationLedger.Ensure] instance: %d, role: %s", instance.ID, roleID)
	}
	if len(invs) > 0 {
		return invs[0], false, nil
	}
	inv, err := l.Create(ctx, instance, roleID, laneID, title, window)
	if err != nil {
		return nil, false, err
	}
	return inv, true, nil
}

func (l *InvitationLedger) Exists(ctx context.Context, instanceID int64, roleID string) (bool, error) {
	count, err := l.repo.CountInvitations(ctx, &QueryInvitationParams{
		InstanceID:      &instanceID,
		RoleID:          &roleID,
		ProgressStateIn: liveProgressStates,
	})
	if err != nil {
		return false, errors.WithMessagef(err, "[InvitationLedger.Exists] instance: %d, role: %s", instanceID, roleID)
	}
	return count > 0, nil
}

// Live 实例还没有结束的邀请, 按创建顺序
func (l *InvitationLedger) Live(ctx context.Context, instanceID int64) ([]*TaskInvitationPo, error) {
	invs, err := l.repo.QueryInvitations(ctx, &QueryInvitationParams{
		InstanceID:      &instanceID,
		ProgressStateIn: liveProgressStates,
		OrderbyIDAsc:    Bool(true),
		Page:            &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "[InvitationLedger.Live] instance: %d", instanceID)
	}
	return invs, nil
}

// Claim 认领实例
//
// 没有这个角色的邀请返回 ErrNotFound, 已经被其他角色认领返回 ErrConflict,
// 状态修改是 unclaimed -> claimed 的条件更新, 并发认领只有一个能成功
func (l *InvitationLedger) Claim(ctx context.Context, instanceID int64, roleID string) (*TaskInvitationPo, error) {
	invs, err := l.Live(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var mine, other *TaskInvitationPo
	for _, inv := range invs {
		if inv.RoleID == roleID {
			if mine == nil {
				mine = inv
			}
			continue
		}
		if inv.OwnershipState != OwnershipUnclaimed && other == nil {
			other = inv
		}
	}
	if other != nil {
		return nil, errors.WithMessagef(ErrConflict, "instance %d already claimed by %s", instanceID, other.RoleID)
	}
	if mine == nil {
		return nil, errors.WithMessagef(ErrNotFound, "invitation not found, instance: %d, role: %s", instanceID, roleID)
	}
	if mine.OwnershipState != OwnershipUnclaimed {
		return mine, nil
	}
	rows, err := l.repo.UpdateInvitations(ctx, &UpdateInvitationParams{
		Where: &UpdateInvitationWhere{
			IDIn:             []int64{mine.ID},
			OwnershipStateIn: []string{OwnershipUnclaimed},
			ProgressStateIn:  liveProgressStates,
		},
		Fields: &UpdateInvitationField{
			OwnershipState: String(OwnershipClaimed),
			ProgressState:  String(ProgressInProgress),
		},
		LimitMax: 1,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "[InvitationLedger.Claim] instance: %d, role: %s", instanceID, roleID)
	}
	if rows == 0 {
		return nil, errors.WithMessagef(ErrConflict, "invitation %d changed while claiming", mine.ID)
	}
	mine.OwnershipState = OwnershipClaimed
	mine.ProgressState = ProgressInProgress
	l.metrics.Invitations.WithLabelValues("claimed").Inc()
	return mine, nil
}

// DeleteOthers 删除实例除了 keepID 之外的所有邀请
func (l *InvitationLedger) DeleteOthers(ctx context.Context, instanceID int64, keepID int64) (int64, error) {
	rows, err := l.repo.DeleteInvitations(ctx, &DeleteInvitationParams{
		InstanceID: &instanceID,
		IDNotIn:    []int64{keepID},
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "[InvitationLedger.DeleteOthers] instance: %d", instanceID)
	}
	l.metrics.Invitations.WithLabelValues("revoked").Add(float64(rows))
	return rows, nil
}

// ClaimExclusive 在同一个事务里认领并删除其他邀请
func (l *InvitationLedger) ClaimExclusive(ctx context.Context, instanceID int64, roleID string) (*TaskInvitationPo, error) {
	var claimed *TaskInvitationPo
	err := l.repo.Transaction(ctx, func(ctx context.Context) error {
		inv, err := l.Claim(ctx, instanceID, roleID)
		if err != nil {
			return err
		}
		if _, err := l.DeleteOthers(ctx, instanceID, inv.ID); err != nil {
			return err
		}
		claimed = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimLeftLane 角色推进一步就离开了 lane, 认领它在离开的 lane 里的邀请
//
// 邀请已经被 CloseOtherLanes 结束掉, 这里只改认领状态, 同一个 lane 其他角色的邀请删除。
// 找不到这个角色未认领的旧邀请返回 ErrNotFound
func (l *InvitationLedger) ClaimLeftLane(ctx context.Context, instanceID int64, currentLaneID string, roleID string) (*TaskInvitationPo, error) {
	var claimed *TaskInvitationPo
	err := l.repo.Transaction(ctx, func(ctx context.Context) error {
		invs, err := l.repo.QueryInvitations(ctx, &QueryInvitationParams{
			InstanceID:       &instanceID,
			RoleID:           &roleID,
			LaneIDNot:        &currentLaneID,
			OwnershipStateIn: []string{OwnershipUnclaimed},
			OrderbyIDAsc:     Bool(false),
			Page:             &Pager{Page: 1, Size: 1},
		})
		if err != nil {
			return err
		}
		if len(invs) == 0 {
			return errors.WithMessagef(ErrNotFound, "left lane invitation not found, instance: %d, role: %s", instanceID, roleID)
		}
		mine := invs[0]
		rows, err := l.repo.UpdateInvitations(ctx, &UpdateInvitationParams{
			Where: &UpdateInvitationWhere{
				IDIn:             []int64{mine.ID},
				OwnershipStateIn: []string{OwnershipUnclaimed},
			},
			Fields:   &UpdateInvitationField{OwnershipState: String(OwnershipClaimed)},
			LimitMax: 1,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return errors.WithMessagef(ErrConflict, "invitation %d changed while claiming", mine.ID)
		}
		deleted, err := l.repo.DeleteInvitations(ctx, &DeleteInvitationParams{
			InstanceID: &instanceID,
			LaneID:     &mine.LaneID,
			IDNotIn:    []int64{mine.ID},
		})
		if err != nil {
			return err
		}
		l.metrics.Invitations.WithLabelValues("revoked").Add(float64(deleted))
		mine.OwnershipState = OwnershipClaimed
		claimed = mine
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "[InvitationLedger.ClaimLeftLane] instance: %d, role: %s", instanceID, roleID)
	}
	l.metrics.Invitations.WithLabelValues("claimed").Inc()
	return claimed, nil
}

// CloseOtherLanes lane 变更后, 之前 lane 的邀请都结束掉
func (l *InvitationLedger) CloseOtherLanes(ctx context.Context, instanceID int64, laneID string) (int64, error) {
	rows, err := l.repo.UpdateInvitations(ctx, &UpdateInvitationParams{
		Where: &UpdateInvitationWhere{
			InstanceID:      &instanceID,
			LaneIDNot:       &laneID,
			ProgressStateIn: liveProgressStates,
		},
		Fields: &UpdateInvitationField{
			ProgressState: String(ProgressFinished),
		},
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "[InvitationLedger.CloseOtherLanes] instance: %d, lane: %s", instanceID, laneID)
	}
	l.metrics.Invitations.WithLabelValues("closed").Add(float64(rows))
	return rows, nil
}

// ExpireOverdue 过了截止时间还没人认领的邀请标记为过期, 返回过期的数量
func (l *InvitationLedger) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	rows, err := l.repo.UpdateInvitations(ctx, &UpdateInvitationParams{
		Where: &UpdateInvitationWhere{
			OwnershipStateIn: []string{OwnershipUnclaimed},
			ProgressStateIn:  []string{ProgressFuture, ProgressWaiting},
			FinishDateBefore: &now,
		},
		Fields: &UpdateInvitationField{
			ProgressState: String(ProgressExpired),
		},
	})
	if err != nil {
		return 0, errors.WithMessage(err, "[InvitationLedger.ExpireOverdue]")
	}
	l.metrics.Invitations.WithLabelValues("expired").Add(float64(rows))
	return rows, nil
}

// Activate 到了开始时间的 future 邀请变成 waiting
func (l *InvitationLedger) Activate(ctx context.Context, now time.Time) (int64, error) {
	rows, err := l.repo.UpdateInvitations(ctx, &UpdateInvitationParams{
		Where: &UpdateInvitationWhere{
			ProgressStateIn: []string{ProgressFuture},
			StartDateBefore: &now,
		},
		Fields: &UpdateInvitationField{
			ProgressState: String(ProgressWaiting),
		},
	})
	if err != nil {
		return 0, errors.WithMessage(err, "[InvitationLedger.Activate]")
	}
	l.metrics.Invitations.WithLabelValues("activated").Add(float64(rows))
	return rows, nil
}

// DeleteAll 实例结束时删除所有邀请
func (l *InvitationLedger) DeleteAll(ctx context.Context, instanceID int64) (int64, error) {
	rows, err := l.repo.DeleteInvitations(ctx, &DeleteInvitationParams{InstanceID: &instanceID})
	if err != nil {
		return 0, errors.WithMessagef(err, "[InvitationLedger.DeleteAll] instance: %d", instanceID)
	}
	l.metrics.Invitations.WithLabelValues("revoked").Add(float64(rows))
	return rows, nil
}
