package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type WorkflowInstancePo struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Token        string     `gorm:"column:token;size:64;uniqueIndex" json:"token"`
	SpecName     string     `gorm:"column:spec_name;size:128;index" json:"spec_name"`
	CurrentActor string     `gorm:"column:current_actor;size:128" json:"current_actor"`
	LaneID       string     `gorm:"column:lane_id;size:128" json:"lane_id"`
	Step         string     `gorm:"column:step" json:"step"`
	PoolData     []byte     `gorm:"column:pool_data" json:"pool_data"`
	TaskData     []byte     `gorm:"column:task_data" json:"task_data"`
	Started      bool       `gorm:"column:started" json:"started"`
	Finished     bool       `gorm:"column:finished" json:"finished"`
	StartDate    *time.Time `gorm:"column:start_date" json:"start_date"`
	FinishDate   *time.Time `gorm:"column:finish_date" json:"finish_date"`
	Version      int64      `gorm:"column:version" json:"version"`
	CreatedAt    int64      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    int64      `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

// TaskPo 某个流程某个 lane 的任务配置, 邀请的有效时间窗口从这里来
type TaskPo struct {
	ID         int64      `gorm:"column:id;primaryKey;autoIncrement"`
	SpecName   string     `gorm:"column:spec_name;size:128;uniqueIndex:idx_task_spec_lane"`
	LaneID     string     `gorm:"column:lane_id;size:128;uniqueIndex:idx_task_spec_lane"`
	Title      string     `gorm:"column:title"`
	StartDate  *time.Time `gorm:"column:start_date"`
	FinishDate *time.Time `gorm:"column:finish_date"`
	CreatedAt  int64      `gorm:"column:created_at"`
	UpdatedAt  int64      `gorm:"column:updated_at"`
}

func (TaskPo) TableName() string {
	return "lane_task"
}

type TaskInvitationPo struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID     int64          `gorm:"column:instance_id;index"`
	InstanceToken  string         `gorm:"column:instance_token;size:64;index"`
	RoleID         string         `gorm:"column:role_id;size:128;index"`
	LaneID         string         `gorm:"column:lane_id;size:128"`
	Title          string         `gorm:"column:title"`
	OwnershipState OwnershipState `gorm:"column:ownership_state;size:32"`
	ProgressState  ProgressState  `gorm:"column:progress_state;size:32"`
	StartDate      *time.Time     `gorm:"column:start_date"`
	FinishDate     *time.Time     `gorm:"column:finish_date"`
	CreatedAt      int64          `gorm:"column:created_at"`
	UpdatedAt      int64          `gorm:"column:updated_at"`
}

func (TaskInvitationPo) TableName() string {
	return "task_invitation"
}

// AllModels AutoMigrate 需要的所有表
func AllModels() []any {
	return []any{&WorkflowInstancePo{}, &TaskPo{}, &TaskInvitationPo{}}
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryInstanceParams struct {
	ID           *int64   `json:"id"`
	Token        *string  `json:"token"`
	TokenIn      []string `json:"token_in"`
	SpecNameIn   []string `json:"spec_name_in"`
	CurrentActor *string  `json:"current_actor"`
	Finished     *bool    `json:"finished"`
	OrderbyIDAsc *bool    `json:"orderby_id_asc"`
	Page         *Pager   `json:"page"`
}

type QueryInvitationParams struct {
	ID               *int64   `json:"id"`
	InstanceID       *int64   `json:"instance_id"`
	InstanceToken    *string  `json:"instance_token"`
	RoleID           *string  `json:"role_id"`
	RoleIDIn         []string `json:"role_id_in"`
	LaneID           *string  `json:"lane_id"`
	LaneIDNot        *string  `json:"lane_id_not"`
	OwnershipStateIn []string `json:"ownership_state_in"`
	ProgressStateIn  []string `json:"progress_state_in"`
	OrderbyIDAsc     *bool    `json:"orderby_id_asc"`
	Page             *Pager   `json:"page"`
}

type UpdateInvitationParams struct {
	Where    *UpdateInvitationWhere `json:"where" validate:"required"`
	Fields   *UpdateInvitationField `json:"fields" validate:"required"`
	LimitMax int                    `json:"limit_max"`
}

type UpdateInvitationWhere struct {
	IDIn             []int64    `json:"id_in"`
	InstanceID       *int64     `json:"instance_id"`
	LaneIDNot        *string    `json:"lane_id_not"`
	OwnershipStateIn []string   `json:"ownership_state_in"`
	ProgressStateIn  []string   `json:"progress_state_in"`
	StartDateBefore  *time.Time `json:"start_date_before"`
	FinishDateBefore *time.Time `json:"finish_date_before"`
}

type UpdateInvitationField struct {
	OwnershipState *string    `json:"ownership_state"`
	ProgressState  *string    `json:"progress_state"`
	FinishDate     *time.Time `json:"finish_date"`
}

type DeleteInvitationParams struct {
	InstanceID *int64  `json:"instance_id" validate:"required"`
	LaneID     *string `json:"lane_id"`
	IDIn       []int64 `json:"id_in"`
	IDNotIn    []int64 `json:"id_not_in"`
}

type instanceRepo struct {
	db *gorm.DB
}

func NewInstanceRepo(db *gorm.DB) InstanceRepo {
	return &instanceRepo{db: db}
}

func (r *instanceRepo) GetInstanceByToken(ctx context.Context, token string) (*WorkflowInstancePo, error) {
	if token == "" {
		return nil, errors.WithMessage(ErrParamInvalid, "empty token")
	}
	pos, err := r.QueryInstances(ctx, &QueryInstanceParams{
		Token: &token,
		Page:  &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "GetInstanceByToken failed, token: %s", token)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrNotFound, "workflow instance not found, token: %s", token)
	}
	return pos[0], nil
}

func applyPager(db *gorm.DB, page *Pager) (*gorm.DB, error) {
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		return db, nil
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size)), nil
}

func buildQueryInstanceParams(db *gorm.DB, isCount bool, param *QueryInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryInstanceParams")
	}
	if param.ID != nil {
		db = db.Where("id = ?", *param.ID)
	}
	if param.Token != nil {
		db = db.Where("token = ?", *param.Token)
	}
	if len(param.TokenIn) != 0 {
		db = db.Where("token IN ?", param.TokenIn)
	}
	if len(param.SpecNameIn) != 0 {
		db = db.Where("spec_name IN ?", param.SpecNameIn)
	}
	if param.CurrentActor != nil {
		db = db.Where("current_actor = ?", *param.CurrentActor)
	}
	if param.Finished != nil {
		db = db.Where("finished = ?", *param.Finished)
	}
	if isCount {
		return db, nil
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	return applyPager(db, param.Page)
}

func (r *instanceRepo) QueryInstances(ctx context.Context, param *QueryInstanceParams) ([]*WorkflowInstancePo, error) {
	db, err := buildQueryInstanceParams(r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}), false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(classifyDBError(err), "QueryInstances failed, err: %v", err)
	}
	return pos, nil
}

func (r *instanceRepo) CountInstances(ctx context.Context, param *QueryInstanceParams) (int64, error) {
	db, err := buildQueryInstanceParams(r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}), true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessagef(classifyDBError(err), "CountInstances failed, err: %v", err)
	}
	return count, nil
}

func (r *instanceRepo) SaveInstance(ctx context.Context, instance *WorkflowInstancePo) error {
	if instance == nil {
		return errors.New("nil WorkflowInstancePo")
	}
	now := time.Now().Unix()
	instance.UpdatedAt = now
	db := r.GetDBWithContext(ctx)
	if instance.ID == 0 {
		instance.CreatedAt = now
		if err := db.Create(instance).Error; err != nil {
			return errors.WithMessagef(classifyDBError(err), "create workflow instance failed, token: %s, err: %v", instance.Token, err)
		}
		return nil
	}
	if err := db.Save(instance).Error; err != nil {
		return errors.WithMessagef(classifyDBError(err), "save workflow instance failed, token: %s, err: %v", instance.Token, err)
	}
	return nil
}

func (r *instanceRepo) DeleteInstances(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.GetDBWithContext(ctx).Where("id IN ?", ids).Delete(&WorkflowInstancePo{})
	if res.Error != nil {
		return 0, errors.WithMessagef(classifyDBError(res.Error), "DeleteInstances failed, err: %v", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *instanceRepo) SaveTask(ctx context.Context, task *TaskPo) error {
	if task == nil {
		return errors.New("nil TaskPo")
	}
	now := time.Now().Unix()
	task.UpdatedAt = now
	db := r.GetDBWithContext(ctx)
	if task.ID == 0 {
		task.CreatedAt = now
		if err := db.Create(task).Error; err != nil {
			return errors.WithMessagef(classifyDBError(err), "create task failed, spec: %s, lane: %s, err: %v", task.SpecName, task.LaneID, err)
		}
		return nil
	}
	if err := db.Save(task).Error; err != nil {
		return errors.WithMessagef(classifyDBError(err), "save task failed, spec: %s, lane: %s, err: %v", task.SpecName, task.LaneID, err)
	}
	return nil
}

func (r *instanceRepo) GetTask(ctx context.Context, specName string, laneID string) (*TaskPo, error) {
	pos := make([]*TaskPo, 0)
	err := r.GetDBWithContext(ctx).
		Where("spec_name = ? AND lane_id = ?", specName, laneID).
		Limit(1).
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(classifyDBError(err), "GetTask failed, spec: %s, lane: %s, err: %v", specName, laneID, err)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrNotFound, "task not found, spec: %s, lane: %s", specName, laneID)
	}
	return pos[0], nil
}

func (r *instanceRepo) CreateInvitation(ctx context.Context, invitation *TaskInvitationPo) (*TaskInvitationPo, error) {
	if invitation == nil {
		return nil, errors.New("nil TaskInvitationPo")
	}
	invitation.CreatedAt = time.Now().Unix()
	invitation.UpdatedAt = invitation.CreatedAt
	if err := r.GetDBWithContext(ctx).Create(invitation).Error; err != nil {
		return nil, errors.WithMessagef(classifyDBError(err), "CreateInvitation failed, instance: %d, role: %s, err: %v", invitation.InstanceID, invitation.RoleID, err)
	}
	return invitation, nil
}

func buildQueryInvitationParams(db *gorm.DB, isCount bool, param *QueryInvitationParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryInvitationParams")
	}
	if param.ID != nil {
		db = db.Where("id = ?", *param.ID)
	}
	if param.InstanceID != nil {
		db = db.Where("instance_id = ?", *param.InstanceID)
	}
	if param.InstanceToken != nil {
		db = db.Where("instance_token = ?", *param.InstanceToken)
	}
	if param.RoleID != nil {
		db = db.Where("role_id = ?", *param.RoleID)
	}
	if len(param.RoleIDIn) != 0 {
		db = db.Where("role_id IN ?", param.RoleIDIn)
	}
	if param.LaneID != nil {
		db = db.Where("lane_id = ?", *param.LaneID)
	}
	if param.LaneIDNot != nil {
		db = db.Where("lane_id <> ?", *param.LaneIDNot)
	}
	if len(param.OwnershipStateIn) != 0 {
		db = db.Where("ownership_state IN ?", param.OwnershipStateIn)
	}
	if len(param.ProgressStateIn) != 0 {
		db = db.Where("progress_state IN ?", param.ProgressStateIn)
	}
	if isCount {
		return db, nil
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	return applyPager(db, param.Page)
}

func (r *instanceRepo) QueryInvitations(ctx context.Context, param *QueryInvitationParams) ([]*TaskInvitationPo, error) {
	db, err := buildQueryInvitationParams(r.GetDBWithContext(ctx).Model(&TaskInvitationPo{}), false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryInvitationParams failed")
	}
	pos := make([]*TaskInvitationPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(classifyDBError(err), "QueryInvitations failed, err: %v", err)
	}
	return pos, nil
}

func (r *instanceRepo) CountInvitations(ctx context.Context, param *QueryInvitationParams) (int64, error) {
	db, err := buildQueryInvitationParams(r.GetDBWithContext(ctx).Model(&TaskInvitationPo{}), true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryInvitationParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessagef(classifyDBError(err), "CountInvitations failed, err: %v", err)
	}
	return count, nil
}

func buildUpdateInvitationWhere(db *gorm.DB, where *UpdateInvitationWhere) (*gorm.DB, error) {
	if where == nil {
		return nil, errors.New("where is nil")
	}
	isHasWhere := false
	if len(where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", where.IDIn)
	}
	if where.InstanceID != nil {
		isHasWhere = true
		db = db.Where("instance_id = ?", *where.InstanceID)
	}
	if where.LaneIDNot != nil {
		isHasWhere = true
		db = db.Where("lane_id <> ?", *where.LaneIDNot)
	}
	if len(where.OwnershipStateIn) > 0 {
		isHasWhere = true
		db = db.Where("ownership_state IN ?", where.OwnershipStateIn)
	}
	if len(where.ProgressStateIn) > 0 {
		isHasWhere = true
		db = db.Where("progress_state IN ?", where.ProgressStateIn)
	}
	if where.StartDateBefore != nil {
		isHasWhere = true
		db = db.Where("start_date IS NOT NULL AND start_date <= ?", *where.StartDateBefore)
	}
	if where.FinishDateBefore != nil {
		isHasWhere = true
		db = db.Where("finish_date IS NOT NULL AND finish_date < ?", *where.FinishDateBefore)
	}
	if !isHasWhere {
		return nil, errors.New("update task invitation need where condition")
	}
	return db, nil
}

func buildUpdateInvitationFields(fields *UpdateInvitationField) (map[string]any, error) {
	if fields == nil {
		return nil, errors.New("fields is nil")
	}
	updateFields := make(map[string]any)
	if fields.OwnershipState != nil {
		updateFields["ownership_state"] = *fields.OwnershipState
	}
	if fields.ProgressState != nil {
		updateFields["progress_state"] = *fields.ProgressState
	}
	if fields.FinishDate != nil {
		updateFields["finish_date"] = *fields.FinishDate
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *instanceRepo) UpdateInvitations(ctx context.Context, param *UpdateInvitationParams) (int64, error) {
	if err := validatorUtil.Struct(param); err != nil {
		return 0, errors.Wrapf(ErrParamInvalid, "UpdateInvitations failed, err: %v", err)
	}
	db, err := buildUpdateInvitationWhere(r.GetDBWithContext(ctx).Model(&TaskInvitationPo{}), param.Where)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateInvitationWhere failed")
	}
	updateFields, err := buildUpdateInvitationFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateInvitationFields failed")
	}
	if param.LimitMax > 0 {
		db = db.Limit(param.LimitMax)
	}
	res := db.Updates(updateFields)
	if res.Error != nil {
		return 0, errors.WithMessagef(classifyDBError(res.Error), "UpdateInvitations failed, err: %v", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *instanceRepo) DeleteInvitations(ctx context.Context, param *DeleteInvitationParams) (int64, error) {
	if err := validatorUtil.Struct(param); err != nil {
		return 0, errors.Wrapf(ErrParamInvalid, "DeleteInvitations failed, err: %v", err)
	}
	db := r.GetDBWithContext(ctx).Where("instance_id = ?", *param.InstanceID)
	if param.LaneID != nil {
		db = db.Where("lane_id = ?", *param.LaneID)
	}
	if len(param.IDIn) > 0 {
		db = db.Where("id IN ?", param.IDIn)
	}
	if len(param.IDNotIn) > 0 {
		db = db.Where("id NOT IN ?", param.IDNotIn)
	}
	res := db.Delete(&TaskInvitationPo{})
	if res.Error != nil {
		return 0, errors.WithMessagef(classifyDBError(res.Error), "DeleteInvitations failed, instance: %d, err: %v", *param.InstanceID, res.Error)
	}
	return res.RowsAffected, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

// GetDBWithContext 在事务里的话返回事务的 db
func (r *instanceRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok || tx == nil {
		return r.db.WithContext(ctx)
	}
	return tx
}

// Transaction 支持嵌套, 已经在事务里面的直接复用外层事务
func (r *instanceRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
