package workflow

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// DisplayDateFormat 给前端展示的时间格式
	DisplayDateFormat = "02.01.2006 15:04"
	// StateDateFormat 缓存里保存时间的格式
	StateDateFormat = time.RFC3339
)

// InstanceState 流程实例的缓存形态, 每次请求都从这里读，推进之后写回
type InstanceState struct {
	Token        string         `json:"token"`
	SpecName     string         `json:"spec_name"`
	CurrentActor string         `json:"current_actor,omitempty"`
	Step         string         `json:"step"`
	LaneID       string         `json:"lane_id,omitempty"`
	PoolData     map[string]any `json:"pool_data,omitempty"`
	TaskData     *TaskData      `json:"task_data"`
	Started      bool           `json:"started"`
	Finished     bool           `json:"finished"`
	StartDate    string         `json:"start_date,omitempty"`
	FinishDate   string         `json:"finish_date,omitempty"`
	// RoleID 产生这个版本的角色, 持久化同步时用来认领邀请
	RoleID string `json:"role_id,omitempty"`
	// Version 每推进一步加一, 请求带的版本和缓存里的不一致说明已经被别人推进过
	Version int64 `json:"version"`
	// IsNew 还没有保存过的新实例
	IsNew bool `json:"-"`
}

// NewToken 生成实例 token (uuid hex)
func NewToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// NewInstanceState 新实例的空白状态
func NewInstanceState(specName string) *InstanceState {
	return &InstanceState{
		Token:    NewToken(),
		SpecName: specName,
		PoolData: make(map[string]any),
		TaskData: NewTaskData(nil),
		IsNew:    true,
	}
}

func (s *InstanceState) Clone() *InstanceState {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	c := &InstanceState{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil
	}
	c.IsNew = s.IsNew
	c.normalize()
	return c
}

func (s *InstanceState) normalize() {
	if s.TaskData == nil {
		s.TaskData = NewTaskData(nil)
	}
	if s.PoolData == nil {
		s.PoolData = make(map[string]any)
	}
}

// markStarted started 只能从 false 变成 true
func (s *InstanceState) markStarted(now time.Time) {
	if s.Started {
		return
	}
	s.Started = true
	s.StartDate = now.Format(StateDateFormat)
}

// markFinished 结束之后不能再推进
func (s *InstanceState) markFinished(now time.Time) {
	if s.Finished {
		return
	}
	s.Finished = true
	s.FinishDate = now.Format(StateDateFormat)
}

// projectInstance 把数据库里的行转换成缓存的形态
func projectInstance(po *WorkflowInstancePo) (*InstanceState, error) {
	if po == nil {
		return nil, errors.New("nil WorkflowInstancePo")
	}
	state := &InstanceState{
		Token:        po.Token,
		SpecName:     po.SpecName,
		CurrentActor: po.CurrentActor,
		Step:         po.Step,
		LaneID:       po.LaneID,
		TaskData:     NewTaskDataFromBytes(po.TaskData),
		Started:      po.Started,
		Finished:     po.Finished,
		Version:      po.Version,
	}
	if len(po.PoolData) > 0 {
		if err := json.Unmarshal(po.PoolData, &state.PoolData); err != nil {
			return nil, errors.WithMessagef(err, "unmarshal pool_data failed, token: %s", po.Token)
		}
	}
	if po.StartDate != nil {
		state.StartDate = po.StartDate.Format(StateDateFormat)
	}
	if po.FinishDate != nil {
		state.FinishDate = formatDisplayDate(po.FinishDate.Format(StateDateFormat))
	}
	state.normalize()
	return state, nil
}

// formatDisplayDate 转换成展示格式, 解析不了的原样返回
func formatDisplayDate(value string) string {
	t, err := time.Parse(StateDateFormat, value)
	if err != nil {
		return value
	}
	return t.Format(DisplayDateFormat)
}

// parseStateDate 同时兼容缓存格式和展示格式
func parseStateDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(StateDateFormat, value); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation(DisplayDateFormat, value, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}
