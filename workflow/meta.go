package workflow

import (
	"github.com/blingmoon/lanework/cache"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

var (
	// ErrNotFound token 在缓存和数据库里都找不到，或者认领时找不到邀请
	ErrNotFound = errors.New("not found")
	// ErrPermission 当前用户不是当前 lane 的候选人
	ErrPermission = errors.New("permission denied")
	// ErrConflict 认领被其他角色抢先了, 或者实例已经被其他请求推进过
	ErrConflict = errors.New("claim conflict")
	// ErrTransientIO 缓存、数据库、队列连接问题, 可以重试
	ErrTransientIO = cache.ErrTransientIO
	// ErrStorage 数据库拒绝了这次读写, 比如约束或者 sql 错误, 重试不会成功
	ErrStorage = errors.New("storage error")
	// ErrInstanceFinished 流程已经结束, 不能再推进
	ErrInstanceFinished = errors.New("workflow instance finished")
	ErrParamInvalid     = errors.New("param invalid")
	// ErrSpecNotFound 流程定义没有加载
	ErrSpecNotFound = errors.New("workflow spec not found")
	// ErrCommandNotRegistered 当前节点没有注册这个命令
	ErrCommandNotRegistered = errors.New("command not registered")
	ErrLockFailed           = errors.New("lock failed")
	ErrLockWaitTimeout      = errors.New("lock wait time out")
)

// OwnershipState 邀请的认领状态
type OwnershipState = string

const (
	OwnershipUnclaimed   OwnershipState = "unclaimed"
	OwnershipClaimed     OwnershipState = "claimed"
	OwnershipAssigned    OwnershipState = "assigned"
	OwnershipTransferred OwnershipState = "transferred"
)

// ProgressState 邀请的进度状态
type ProgressState = string

const (
	// 还没到开始时间
	ProgressFuture     ProgressState = "future"
	ProgressWaiting    ProgressState = "waiting"
	ProgressInProgress ProgressState = "in_progress"
	ProgressFinished   ProgressState = "finished"
	// 过了截止时间还没人认领
	ProgressExpired ProgressState = "expired"
)

// liveProgressStates 还没有结束的邀请, 包括已经被认领正在处理的
var liveProgressStates = []string{ProgressFuture, ProgressWaiting, ProgressInProgress}

// LaneState 一次推进之后 lane 的变化
type LaneState = string

const (
	LaneSame    LaneState = "same_lane"
	LaneChanged LaneState = "lane_changed"
	LaneBlocked LaneState = "blocked"
)

// TaskType 节点类型
type TaskType = string

const (
	TaskTypeUser    TaskType = "user_task"
	TaskTypeService TaskType = "service_task"
	TaskTypeEnd     TaskType = "end"
)

// IsRetryableError 连接类问题和锁冲突可以重试，其他的重试也不会成功
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransientIO) ||
		errors.Is(err, ErrLockFailed) ||
		errors.Is(err, ErrLockWaitTimeout)
}

// IsSeriousError 需要人工介入的错误打 error 日志，其他的打 warn
// 配置错误或者数据不一致属于严重错误
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSpecNotFound) ||
		errors.Is(err, ErrCommandNotRegistered) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, cache.ErrDecode) {
		return true
	}
	return false
}
