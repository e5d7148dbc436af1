package workflow

import (
	"context"
)

// InstanceRepo 流程实例、lane 任务、邀请的持久化存储, 是最终的数据来源
type InstanceRepo interface {
	// GetInstanceByToken 找不到返回 ErrNotFound
	GetInstanceByToken(ctx context.Context, token string) (*WorkflowInstancePo, error)
	QueryInstances(ctx context.Context, param *QueryInstanceParams) ([]*WorkflowInstancePo, error)
	CountInstances(ctx context.Context, param *QueryInstanceParams) (int64, error)
	// SaveInstance ID 为 0 时插入, 否则全量更新
	SaveInstance(ctx context.Context, instance *WorkflowInstancePo) error
	DeleteInstances(ctx context.Context, ids []int64) (int64, error)

	SaveTask(ctx context.Context, task *TaskPo) error
	// GetTask 找不到返回 ErrNotFound
	GetTask(ctx context.Context, specName string, laneID string) (*TaskPo, error)

	CreateInvitation(ctx context.Context, invitation *TaskInvitationPo) (*TaskInvitationPo, error)
	QueryInvitations(ctx context.Context, param *QueryInvitationParams) ([]*TaskInvitationPo, error)
	CountInvitations(ctx context.Context, param *QueryInvitationParams) (int64, error)
	// UpdateInvitations 条件更新, 返回实际更新的行数, 认领的 CAS 依赖这个行数
	UpdateInvitations(ctx context.Context, param *UpdateInvitationParams) (int64, error)
	DeleteInvitations(ctx context.Context, param *DeleteInvitationParams) (int64, error)

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
