package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/pkg/errors"
)

// CommandKind 用户节点可以接收的命令
type CommandKind string

const (
	CommandSubmit  CommandKind = "submit"
	CommandApprove CommandKind = "approve"
	CommandReject  CommandKind = "reject"
	CommandLogin   CommandKind = "login"
	CommandNext    CommandKind = "next"
)

var allCommandKinds = []CommandKind{CommandSubmit, CommandApprove, CommandReject, CommandLogin, CommandNext}

func (k CommandKind) IsValid() bool {
	for _, kind := range allCommandKinds {
		if kind == k {
			return true
		}
	}
	return false
}

func ParseCommandKind(s string) (CommandKind, error) {
	kind := CommandKind(s)
	if !kind.IsValid() {
		return "", errors.WithMessagef(ErrParamInvalid, "unknown command kind: %s", s)
	}
	return kind, nil
}

// maxAutoSteps 一次推进最多连续执行的服务节点数量, 防止服务节点之间死循环
const maxAutoSteps = 64

// StepInput 客户端一次请求的输入
type StepInput struct {
	Command CommandKind    `json:"cmd" validate:"required"`
	Data    map[string]any `json:"data"`
}

// StepContext 命令和服务处理函数的上下文
type StepContext struct {
	Token    string
	SpecName string
	NodeID   string
	Input    map[string]any
	TaskData *TaskData
	PoolData map[string]any
	Output   map[string]any
	next     string
}

// Goto 指定下一个节点, 不调用时按 next_nodes 走, next_nodes 有多个时必须调用
func (c *StepContext) Goto(nodeID string) {
	c.next = nodeID
}

func (c *StepContext) InputString(key string) (string, bool) {
	val, ok := c.Input[key]
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

func (c *StepContext) SetOutput(key string, value any) {
	if c.Output == nil {
		c.Output = make(map[string]any)
	}
	c.Output[key] = value
}

type CommandFunc func(ctx context.Context, sc *StepContext) error
type ServiceFunc func(ctx context.Context, sc *StepContext) error

// RelationFunc 返回和当前实例满足某种关系的角色
type RelationFunc func(ctx context.Context, state *InstanceState) ([]string, error)

// StepResult 一次推进的结果
type StepResult struct {
	State    *InstanceState
	LaneID   string
	TaskType TaskType
	Output   map[string]any
}

type LaneOptions struct {
	AutoSendoff bool
	AutoInvite  bool
	// Open lane 没有 owners 也没有 relations, 任何人都可以操作
	Open bool
}

// Interpreter 流程图的解释器, 负责计算下一步
type Interpreter interface {
	/**
	 * @description: 新实例定位到开始节点, 已经开始的实例不做处理
	 * @param ctx context.Context
	 * @param state *InstanceState
	 * @return error
	 */
	Begin(ctx context.Context, state *InstanceState) error
	/**
	 * @description: 执行当前节点的命令并走到下一个用户节点或者结束节点
	 *				 会直接修改 state, 调用方需要自己 Clone
	 * @param ctx context.Context
	 * @param state *InstanceState
	 * @param input *StepInput
	 * @return *StepResult, error
	 */
	ComputeNextStep(ctx context.Context, state *InstanceState, input *StepInput) (*StepResult, error)
	/**
	 * @description: lane 的候选角色, 开放的 lane 返回空
	 * @param ctx context.Context
	 * @param state *InstanceState
	 * @param laneID string
	 * @return []string, error
	 */
	CandidateOwners(ctx context.Context, state *InstanceState, laneID string) ([]string, error)
	LaneOptions(specName string, laneID string) (LaneOptions, error)
}

// GraphInterpreter 基于 Registry 里的流程图的解释器
type GraphInterpreter struct {
	registry *Registry
	logger   *slog.Logger
}

func NewGraphInterpreter(registry *Registry, logger *slog.Logger) *GraphInterpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphInterpreter{registry: registry, logger: logger}
}

func (g *GraphInterpreter) Begin(ctx context.Context, state *InstanceState) error {
	if state.Step != "" {
		return nil
	}
	def, err := g.registry.GetSpecDefinition(state.SpecName)
	if err != nil {
		return err
	}
	sc := g.newStepContext(state, def.StartNode, nil)
	node, err := g.runServices(ctx, state, def, def.StartNode, sc)
	if err != nil {
		return err
	}
	g.moveTo(state, node)
	return nil
}

func (g *GraphInterpreter) ComputeNextStep(ctx context.Context, state *InstanceState, input *StepInput) (*StepResult, error) {
	if input == nil {
		return nil, errors.WithMessage(ErrParamInvalid, "nil step input")
	}
	if !input.Command.IsValid() {
		return nil, errors.WithMessagef(ErrParamInvalid, "unknown command kind: %s", input.Command)
	}
	if state.Finished {
		return nil, errors.WithMessagef(ErrInstanceFinished, "token: %s", state.Token)
	}
	if err := g.Begin(ctx, state); err != nil {
		return nil, err
	}
	def, err := g.registry.GetSpecDefinition(state.SpecName)
	if err != nil {
		return nil, err
	}
	current, ok := def.Nodes[state.Step]
	if !ok {
		return nil, errors.WithMessagef(ErrSpecNotFound, "step %s not found in spec %s", state.Step, state.SpecName)
	}
	if current.TaskType != TaskTypeUser {
		return nil, errors.WithMessagef(ErrParamInvalid, "current step %s is not a user task", describeNode(current))
	}
	fn, ok := current.commands[input.Command]
	if !ok {
		return nil, errors.WithMessagef(ErrCommandNotRegistered, "spec: %s, node: %s, cmd: %s", state.SpecName, current.ID, input.Command)
	}
	sc := g.newStepContext(state, current, input.Data)
	if err := g.invoke(ctx, sc, fn); err != nil {
		return nil, err
	}
	next, err := g.pickNext(def, current, sc)
	if err != nil {
		return nil, err
	}
	node, err := g.runServices(ctx, state, def, next, sc)
	if err != nil {
		return nil, err
	}
	g.moveTo(state, node)
	return &StepResult{
		State:    state,
		LaneID:   state.LaneID,
		TaskType: node.TaskType,
		Output:   sc.Output,
	}, nil
}

func (g *GraphInterpreter) CandidateOwners(ctx context.Context, state *InstanceState, laneID string) ([]string, error) {
	lane, err := g.registry.Lane(state.SpecName, laneID)
	if err != nil {
		return nil, err
	}
	return g.registry.candidateOwners(ctx, state.SpecName, lane, state)
}

func (g *GraphInterpreter) LaneOptions(specName string, laneID string) (LaneOptions, error) {
	lane, err := g.registry.Lane(specName, laneID)
	if err != nil {
		return LaneOptions{}, err
	}
	return lane.Options(), nil
}

func (g *GraphInterpreter) newStepContext(state *InstanceState, node *NodeDefinition, input map[string]any) *StepContext {
	if input == nil {
		input = make(map[string]any)
	}
	return &StepContext{
		Token:    state.Token,
		SpecName: state.SpecName,
		NodeID:   node.ID,
		Input:    input,
		TaskData: state.TaskData,
		PoolData: state.PoolData,
		Output:   make(map[string]any),
	}
}

// runServices 从 node 开始自动执行服务节点, 返回停下来的用户节点或者结束节点
func (g *GraphInterpreter) runServices(ctx context.Context, state *InstanceState, def *SpecDefinition, node *NodeDefinition, sc *StepContext) (*NodeDefinition, error) {
	for i := 0; node.TaskType == TaskTypeService; i++ {
		if i >= maxAutoSteps {
			return nil, errors.WithMessagef(ErrParamInvalid, "too many service steps, spec: %s, last: %s", state.SpecName, node.ID)
		}
		sc.NodeID = node.ID
		sc.next = ""
		if err := g.invoke(ctx, sc, node.service); err != nil {
			return nil, err
		}
		next, err := g.pickNext(def, node, sc)
		if err != nil {
			return nil, err
		}
		node = next
	}
	return node, nil
}

func (g *GraphInterpreter) pickNext(def *SpecDefinition, current *NodeDefinition, sc *StepContext) (*NodeDefinition, error) {
	if sc.next != "" {
		next, ok := def.Nodes[sc.next]
		if !ok {
			return nil, errors.WithMessagef(ErrParamInvalid, "goto unknown node %s from %s", sc.next, current.ID)
		}
		return next, nil
	}
	switch len(current.NextNodes) {
	case 0:
		// 没有后置节点, 留在当前节点, 等下一次命令
		return current, nil
	case 1:
		return current.NextNodes[0], nil
	}
	return nil, errors.WithMessagef(ErrParamInvalid, "node %s has %d next nodes, handler must goto one", current.ID, len(current.NextNodes))
}

func (g *GraphInterpreter) moveTo(state *InstanceState, node *NodeDefinition) {
	state.Step = node.ID
	if laneID := node.LaneID(); laneID != "" {
		state.LaneID = laneID
	}
}

// invoke 处理函数 panic 捕捉一下，返回给上方
func (g *GraphInterpreter) invoke(ctx context.Context, sc *StepContext, fn func(context.Context, *StepContext) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.ErrorContext(ctx, "step handler panic", "spec", sc.SpecName, "node", sc.NodeID, "panic", r, "stack", string(debug.Stack()))
			err = errors.New(fmt.Sprintf("step handler panic: %v, spec: %s, node: %s", r, sc.SpecName, sc.NodeID))
		}
	}()
	if err := fn(ctx, sc); err != nil {
		return errors.WithMessagef(err, "spec: %s, node: %s", sc.SpecName, sc.NodeID)
	}
	return nil
}
