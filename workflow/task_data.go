package workflow

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// TaskData 跨步骤携带的业务数据, 每一步都可以读写, 会随实例一起缓存和持久化
//
// 支持嵌套路径读写，例如 Get("form", "amount") 读取 form.amount
type TaskData struct {
	data map[string]any
}

func NewTaskData(m map[string]any) *TaskData {
	if m == nil {
		m = make(map[string]any)
	}
	return &TaskData{data: m}
}

// NewTaskDataFromBytes 空的或者非法的 JSON 都返回空的 TaskData
func NewTaskDataFromBytes(b []byte) *TaskData {
	d := NewTaskData(nil)
	if len(b) > 0 {
		_ = json.Unmarshal(b, &d.data)
		if d.data == nil {
			d.data = make(map[string]any)
		}
	}
	return d
}

func (d *TaskData) Get(keys ...string) (any, bool) {
	if d == nil || len(keys) == 0 {
		return nil, false
	}
	var current any = d.data
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (d *TaskData) GetString(keys ...string) (string, bool) {
	val, ok := d.Get(keys...)
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

// GetInt64 反序列化之后数字都是 float64, 这里统一转换
func (d *TaskData) GetInt64(keys ...string) (int64, bool) {
	val, ok := d.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func (d *TaskData) GetBool(keys ...string) (bool, bool) {
	val, ok := d.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 中间路径不存在或者不是 map 时会被覆盖成 map
func (d *TaskData) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := d.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (d *TaskData) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := d.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, keys[len(keys)-1])
}

// Merge 把 m 的顶层 key 覆盖进来
func (d *TaskData) Merge(m map[string]any) {
	for k, v := range m {
		d.data[k] = v
	}
}

// ToMap 返回底层 map（引用）
func (d *TaskData) ToMap() map[string]any {
	return d.data
}

func (d *TaskData) Clone() *TaskData {
	b, _ := d.MarshalJSON()
	return NewTaskDataFromBytes(b)
}

func (d *TaskData) MarshalJSON() ([]byte, error) {
	if d == nil || d.data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.data)
}

func (d *TaskData) UnmarshalJSON(b []byte) error {
	m := make(map[string]any)
	if err := json.Unmarshal(b, &m); err != nil {
		return errors.WithMessage(err, "unmarshal task data failed")
	}
	if m == nil {
		m = make(map[string]any)
	}
	d.data = m
	return nil
}
