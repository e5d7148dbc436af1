package workflow

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryValidation(t *testing.T) {
	noop := func(ctx context.Context, sc *StepContext) error { return nil }
	baseLanes := func() []*LaneDefinition {
		return []*LaneDefinition{{ID: "l1", Owners: []string{"r"}}}
	}

	tests := []struct {
		name    string
		config  *SpecConfig
		setup   func(r *Registry) error
		wantErr error
	}{
		{
			name: "用户节点没有命令",
			config: &SpecConfig{ID: "s", StartNode: "a", Lanes: baseLanes(), Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
				{ID: "end", TaskType: TaskTypeEnd},
			}},
			wantErr: ErrCommandNotRegistered,
		},
		{
			name: "服务节点没有注册",
			config: &SpecConfig{ID: "s", StartNode: "a", Lanes: baseLanes(), Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "l1", TaskType: TaskTypeService, NextNodes: []string{"end"}},
				{ID: "end", TaskType: TaskTypeEnd},
			}},
			wantErr: ErrCommandNotRegistered,
		},
		{
			name: "关系函数没有注册",
			config: &SpecConfig{ID: "s", StartNode: "a", Lanes: []*LaneDefinition{{ID: "l1", Relations: []string{"boss"}}}, Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
				{ID: "end", TaskType: TaskTypeEnd},
			}},
			setup:   func(r *Registry) error { return r.RegisterCommand("s", "a", CommandNext, noop) },
			wantErr: ErrCommandNotRegistered,
		},
		{
			name: "引用了不存在的 lane",
			config: &SpecConfig{ID: "s", StartNode: "a", Lanes: baseLanes(), Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "missing", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
				{ID: "end", TaskType: TaskTypeEnd},
			}},
			setup:   func(r *Registry) error { return r.RegisterCommand("s", "a", CommandNext, noop) },
			wantErr: ErrParamInvalid,
		},
		{
			name: "后置节点不存在",
			config: &SpecConfig{ID: "s", StartNode: "a", Lanes: baseLanes(), Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"nowhere"}},
				{ID: "end", TaskType: TaskTypeEnd},
			}},
			setup:   func(r *Registry) error { return r.RegisterCommand("s", "a", CommandNext, noop) },
			wantErr: ErrParamInvalid,
		},
		{
			name: "结束节点有后置节点",
			config: &SpecConfig{ID: "s", StartNode: "a", Lanes: baseLanes(), Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
				{ID: "end", TaskType: TaskTypeEnd, NextNodes: []string{"a"}},
			}},
			setup:   func(r *Registry) error { return r.RegisterCommand("s", "a", CommandNext, noop) },
			wantErr: ErrParamInvalid,
		},
		{
			name: "有节点不可达",
			config: &SpecConfig{ID: "s", StartNode: "a", Lanes: baseLanes(), Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
				{ID: "island", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
				{ID: "end", TaskType: TaskTypeEnd},
			}},
			setup: func(r *Registry) error {
				if err := r.RegisterCommand("s", "a", CommandNext, noop); err != nil {
					return err
				}
				return r.RegisterCommand("s", "island", CommandNext, noop)
			},
			wantErr: ErrParamInvalid,
		},
		{
			name: "开始节点不存在",
			config: &SpecConfig{ID: "s", StartNode: "zzz", Lanes: baseLanes(), Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
				{ID: "end", TaskType: TaskTypeEnd},
			}},
			setup:   func(r *Registry) error { return r.RegisterCommand("s", "a", CommandNext, noop) },
			wantErr: ErrParamInvalid,
		},
		{
			name: "允许有环",
			config: &SpecConfig{ID: "s", StartNode: "a", Lanes: baseLanes(), Nodes: []*NodeDefinitionConfig{
				{ID: "a", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"b"}},
				{ID: "b", Lane: "l1", TaskType: TaskTypeUser, NextNodes: []string{"a", "end"}},
				{ID: "end", TaskType: TaskTypeEnd},
			}},
			setup: func(r *Registry) error {
				if err := r.RegisterCommand("s", "a", CommandNext, noop); err != nil {
					return err
				}
				return r.RegisterCommand("s", "b", CommandApprove, noop)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			require.NoError(t, r.LoadSpec(tt.config))
			if tt.setup != nil {
				require.NoError(t, tt.setup(r))
			}
			_, err := r.GetSpecDefinition("s")
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "err: %v", err)
		})
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, sc *StepContext) error { return nil }

	t.Run("未知的命令类型", func(t *testing.T) {
		err := r.RegisterCommand("s", "a", CommandKind("dance"), noop)
		assert.True(t, errors.Is(err, ErrParamInvalid))
		_, err = ParseCommandKind("dance")
		assert.True(t, errors.Is(err, ErrParamInvalid))
		kind, err := ParseCommandKind("approve")
		require.NoError(t, err)
		assert.Equal(t, CommandApprove, kind)
	})

	t.Run("重复注册", func(t *testing.T) {
		require.NoError(t, r.RegisterCommand("s", "a", CommandNext, noop))
		assert.Error(t, r.RegisterCommand("s", "a", CommandNext, noop))
		require.NoError(t, r.RegisterService("s", "b", noop))
		assert.Error(t, r.RegisterService("s", "b", noop))
		assert.Error(t, r.RegisterCommand("s", "a", CommandSubmit, nil))
	})

	t.Run("重复加载流程", func(t *testing.T) {
		require.NoError(t, registerReviewSpec(r))
		assert.Error(t, r.LoadSpec(&SpecConfig{ID: reviewSpec, StartNode: "write",
			Lanes: []*LaneDefinition{{ID: "x"}}, Nodes: []*NodeDefinitionConfig{{ID: "write", Lane: "x", TaskType: TaskTypeUser}}}))
		_, err := r.GetSpecDefinition("unknown")
		assert.True(t, errors.Is(err, ErrSpecNotFound))
	})

	t.Run("yaml 加载", func(t *testing.T) {
		config, err := r.LoadSpecYAML([]byte(`
id: yaml_spec
start_node: a
lanes:
  - id: open
nodes:
  - id: a
    lane: open
    task_type: user_task
    next_nodes: [end]
  - id: end
    task_type: end
`))
		require.NoError(t, err)
		assert.Equal(t, "yaml_spec", config.ID)
		require.NoError(t, r.RegisterCommand("yaml_spec", "a", CommandNext, noop))
		lane, err := r.Lane("yaml_spec", "open")
		require.NoError(t, err)
		assert.True(t, lane.IsOpen())

		_, err = r.LoadSpecYAML([]byte("id: [broken"))
		assert.True(t, errors.Is(err, ErrParamInvalid))
	})

	t.Run("Preload 汇总所有错误", func(t *testing.T) {
		require.NoError(t, r.LoadSpec(&SpecConfig{ID: "bad_1", StartNode: "a", Lanes: []*LaneDefinition{{ID: "x"}},
			Nodes: []*NodeDefinitionConfig{{ID: "a", Lane: "x", TaskType: TaskTypeUser}}}))
		require.NoError(t, r.LoadSpec(&SpecConfig{ID: "bad_2", StartNode: "a", Lanes: []*LaneDefinition{{ID: "x"}},
			Nodes: []*NodeDefinitionConfig{{ID: "a", Lane: "x", TaskType: TaskTypeService}}}))
		err := r.Preload()
		require.Error(t, err)
		var joined interface{ Unwrap() []error }
		require.True(t, goerrors.As(err, &joined))
		assert.Len(t, joined.Unwrap(), 2)
		assert.True(t, errors.Is(err, ErrCommandNotRegistered))
	})
}

func TestGraphInterpreter(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	require.NoError(t, registerReviewSpec(registry))
	interp := NewGraphInterpreter(registry, nil)

	t.Run("新实例从开始节点开始", func(t *testing.T) {
		state := NewInstanceState(reviewSpec)
		require.NoError(t, interp.Begin(ctx, state))
		assert.Equal(t, "write", state.Step)
		assert.Equal(t, "draft", state.LaneID)
	})

	t.Run("走完整个流程", func(t *testing.T) {
		state := NewInstanceState(reviewSpec)
		res, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandSubmit, Data: map[string]any{"title": "hello"}})
		require.NoError(t, err)
		assert.Equal(t, "check", state.Step)
		assert.Equal(t, "review", res.LaneID)
		title, _ := state.TaskData.GetString("title")
		assert.Equal(t, "hello", title)

		_, err = interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandApprove})
		require.NoError(t, err)
		assert.Equal(t, "check2", state.Step)

		// check2 之后的服务节点自动执行
		res, err = interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandApprove})
		require.NoError(t, err)
		assert.Equal(t, "archive", state.Step)
		assert.Equal(t, "archive", state.LaneID)
		assert.Equal(t, "approved", res.Output["screen"])
		stamped, _ := state.TaskData.GetBool("stamped")
		assert.True(t, stamped)

		res, err = interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandApprove})
		require.NoError(t, err)
		assert.Equal(t, TaskTypeEnd, res.TaskType)
		assert.Equal(t, "end", state.Step)
		// 结束节点不属于任何 lane, 保持原来的 lane
		assert.Equal(t, "archive", state.LaneID)
	})

	t.Run("驳回回到起点", func(t *testing.T) {
		state := NewInstanceState(reviewSpec)
		_, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandSubmit})
		require.NoError(t, err)
		_, err = interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandReject})
		require.NoError(t, err)
		assert.Equal(t, "write", state.Step)
		assert.Equal(t, "draft", state.LaneID)
	})

	t.Run("命令没有注册", func(t *testing.T) {
		state := NewInstanceState(reviewSpec)
		_, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandLogin})
		assert.True(t, errors.Is(err, ErrCommandNotRegistered))
		_, err = interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandKind("dance")})
		assert.True(t, errors.Is(err, ErrParamInvalid))
	})

	t.Run("已经结束", func(t *testing.T) {
		state := NewInstanceState(reviewSpec)
		state.Finished = true
		_, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandSubmit})
		assert.True(t, errors.Is(err, ErrInstanceFinished))
	})

	t.Run("候选人和 lane 配置", func(t *testing.T) {
		state := NewInstanceState(reviewSpec)
		owners, err := interp.CandidateOwners(ctx, state, "review")
		require.NoError(t, err)
		assert.Equal(t, []string{roleA, roleB}, owners)

		owners, err = interp.CandidateOwners(ctx, state, "archive")
		require.NoError(t, err)
		assert.Empty(t, owners)
		require.NoError(t, state.TaskData.Set([]string{"archivist"}, "keeper"))
		owners, err = interp.CandidateOwners(ctx, state, "archive")
		require.NoError(t, err)
		assert.Equal(t, []string{"keeper"}, owners)

		opts, err := interp.LaneOptions(reviewSpec, "review")
		require.NoError(t, err)
		assert.True(t, opts.AutoInvite)
		assert.True(t, opts.AutoSendoff)
		assert.False(t, opts.Open)
		_, err = interp.LaneOptions(reviewSpec, "missing")
		assert.True(t, errors.Is(err, ErrSpecNotFound))
	})
}

func TestGraphInterpreterHandlers(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	require.NoError(t, registry.LoadSpec(&SpecConfig{
		ID:        "handlers",
		StartNode: "a",
		Lanes:     []*LaneDefinition{{ID: "l"}},
		Nodes: []*NodeDefinitionConfig{
			{ID: "a", Lane: "l", TaskType: TaskTypeUser, NextNodes: []string{"b", "c"}},
			{ID: "b", Lane: "l", TaskType: TaskTypeService, NextNodes: []string{"b2"}},
			{ID: "b2", Lane: "l", TaskType: TaskTypeService, NextNodes: []string{"b"}},
			{ID: "c", Lane: "l", TaskType: TaskTypeUser},
		},
	}))
	require.NoError(t, registry.RegisterCommand("handlers", "a", CommandApprove, func(ctx context.Context, sc *StepContext) error {
		sc.Goto("b")
		return nil
	}))
	require.NoError(t, registry.RegisterCommand("handlers", "a", CommandNext, func(ctx context.Context, sc *StepContext) error {
		return nil
	}))
	require.NoError(t, registry.RegisterCommand("handlers", "a", CommandSubmit, func(ctx context.Context, sc *StepContext) error {
		panic("boom")
	}))
	require.NoError(t, registry.RegisterCommand("handlers", "a", CommandReject, func(ctx context.Context, sc *StepContext) error {
		sc.Goto("c")
		return errors.New("rejected")
	}))
	require.NoError(t, registry.RegisterCommand("handlers", "c", CommandNext, func(ctx context.Context, sc *StepContext) error {
		return nil
	}))
	noop := func(ctx context.Context, sc *StepContext) error { return nil }
	require.NoError(t, registry.RegisterService("handlers", "b", noop))
	require.NoError(t, registry.RegisterService("handlers", "b2", noop))
	interp := NewGraphInterpreter(registry, nil)

	t.Run("多个后置节点必须指定", func(t *testing.T) {
		state := NewInstanceState("handlers")
		_, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandNext})
		assert.True(t, errors.Is(err, ErrParamInvalid))
	})

	t.Run("处理函数 panic", func(t *testing.T) {
		state := NewInstanceState("handlers")
		_, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandSubmit})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panic")
	})

	t.Run("处理函数返回错误不移动", func(t *testing.T) {
		state := NewInstanceState("handlers")
		require.NoError(t, interp.Begin(ctx, state))
		_, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandReject})
		require.Error(t, err)
		assert.Equal(t, "a", state.Step)
	})

	t.Run("服务节点死循环", func(t *testing.T) {
		state := NewInstanceState("handlers")
		_, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandApprove})
		assert.True(t, errors.Is(err, ErrParamInvalid))
	})

	t.Run("没有后置节点留在原地", func(t *testing.T) {
		state := NewInstanceState("handlers")
		state.Step = "c"
		state.LaneID = "l"
		res, err := interp.ComputeNextStep(ctx, state, &StepInput{Command: CommandNext})
		require.NoError(t, err)
		assert.Equal(t, "c", state.Step)
		assert.Equal(t, TaskTypeUser, res.TaskType)
	})
}
