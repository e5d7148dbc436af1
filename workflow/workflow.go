package workflow

import (
	"context"
	goerrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 辅助函数：替代 String 和 Bool
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

// SpecConfig 流程定义配置
type SpecConfig struct {
	ID        string                  `json:"id" yaml:"id" validate:"required"` // 流程名, 唯一标识, 实例里的 spec_name
	Name      string                  `json:"name" yaml:"name"`
	StartNode string                  `json:"start_node" yaml:"start_node" validate:"required"`
	Lanes     []*LaneDefinition       `json:"lanes" yaml:"lanes" validate:"required,min=1,dive,required"`
	Nodes     []*NodeDefinitionConfig `json:"nodes" yaml:"nodes" validate:"required,min=1,dive,required"`
}

// LaneDefinition lane 配置
//
// Owners 显式指定的角色, Relations 通过 RegisterRelation 注册的关系函数计算角色,
// 两个都为空的 lane 是开放的, 任何人都可以操作
type LaneDefinition struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name" yaml:"name"`
	Owners      []string `json:"owners" yaml:"owners"`
	Relations   []string `json:"relations" yaml:"relations"`
	AutoSendoff *bool    `json:"auto_sendoff" yaml:"auto_sendoff"` // 默认 true
	AutoInvite  *bool    `json:"auto_invite" yaml:"auto_invite"`   // 默认 true
}

func (l *LaneDefinition) IsOpen() bool {
	return len(l.Owners) == 0 && len(l.Relations) == 0
}

func (l *LaneDefinition) Options() LaneOptions {
	opts := LaneOptions{AutoSendoff: true, AutoInvite: true, Open: l.IsOpen()}
	if l.AutoSendoff != nil {
		opts.AutoSendoff = *l.AutoSendoff
	}
	if l.AutoInvite != nil {
		opts.AutoInvite = *l.AutoInvite
	}
	return opts
}

// NodeDefinitionConfig 节点定义配置
type NodeDefinitionConfig struct {
	ID        string   `json:"id" yaml:"id" validate:"required"` // 节点ID, 唯一标识
	Name      string   `json:"name" yaml:"name"`
	Lane      string   `json:"lane" yaml:"lane"` // 结束节点可以不属于任何 lane
	TaskType  TaskType `json:"task_type" yaml:"task_type" validate:"required,oneof=user_task service_task end"`
	NextNodes []string `json:"next_nodes" yaml:"next_nodes"` // 后置节点ID列表
}

// SpecDefinition 构建好的流程图
type SpecDefinition struct {
	ID        string
	Name      string
	StartNode *NodeDefinition
	Nodes     map[string]*NodeDefinition
	Lanes     map[string]*LaneDefinition
}

// NodeDefinition 流程图上的节点
type NodeDefinition struct {
	ID        string
	Name      string
	Lane      *LaneDefinition
	TaskType  TaskType
	PreNodes  []*NodeDefinition
	NextNodes []*NodeDefinition
	commands  map[CommandKind]CommandFunc
	service   ServiceFunc
}

func (n *NodeDefinition) LaneID() string {
	if n.Lane == nil {
		return ""
	}
	return n.Lane.ID
}

// Registry 流程定义和处理函数的注册表, 启动时构建后注入到 Coordinator
//
// LoadSpec 只保存配置, 流程图在第一次使用时构建, 注册顺序没有要求
type Registry struct {
	mu          sync.RWMutex
	configs     map[string]*SpecConfig
	definitions map[string]*SpecDefinition
	commands    map[string]CommandFunc
	services    map[string]ServiceFunc
	relations   map[string]RelationFunc
}

func NewRegistry() *Registry {
	return &Registry{
		configs:     make(map[string]*SpecConfig),
		definitions: make(map[string]*SpecDefinition),
		commands:    make(map[string]CommandFunc),
		services:    make(map[string]ServiceFunc),
		relations:   make(map[string]RelationFunc),
	}
}

func commandKey(specID, nodeID string, kind CommandKind) string {
	return specID + "_" + nodeID + "_" + string(kind)
}

func nodeKey(specID, nodeID string) string {
	return specID + "_" + nodeID
}

/*
*
  - @description: 加载流程配置
    只做存储使用，流程图在 GetSpecDefinition 中构建，延迟加载,主要是解决 RegisterCommand 的依赖
  - @param config *SpecConfig
  - @return error
*/
func (r *Registry) LoadSpec(config *SpecConfig) error {
	if config == nil {
		return errors.WithMessage(ErrParamInvalid, "config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return errors.Wrapf(ErrParamInvalid, "LoadSpec failed, id: %s, err: %v", config.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[config.ID]; ok {
		return errors.WithMessagef(ErrParamInvalid, "spec already registered, id: %s", config.ID)
	}
	r.configs[config.ID] = config
	return nil
}

// LoadSpecYAML 从 yaml 加载流程配置
func (r *Registry) LoadSpecYAML(b []byte) (*SpecConfig, error) {
	config := &SpecConfig{}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "unmarshal spec yaml, err: %v", err)
	}
	if err := r.LoadSpec(config); err != nil {
		return nil, err
	}
	return config, nil
}

/*
*
  - @description: 注册用户节点的命令处理函数
    命令类型必须是 CommandKind 里定义的, 注册时检查, 不在调用时反射查找
  - @param specID string
  - @param nodeID string
  - @param kind CommandKind
  - @param fn CommandFunc
  - @return error
*/
func (r *Registry) RegisterCommand(specID string, nodeID string, kind CommandKind, fn CommandFunc) error {
	if fn == nil {
		return errors.WithMessage(ErrParamInvalid, "command func is nil")
	}
	if !kind.IsValid() {
		return errors.WithMessagef(ErrParamInvalid, "unknown command kind: %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := commandKey(specID, nodeID, kind)
	if _, ok := r.commands[key]; ok {
		return errors.WithMessagef(ErrParamInvalid, "command already registered, spec: %s, node: %s, kind: %s", specID, nodeID, kind)
	}
	r.commands[key] = fn
	delete(r.definitions, specID)
	return nil
}

// RegisterService 注册服务节点的处理函数, 服务节点在推进时自动执行
func (r *Registry) RegisterService(specID string, nodeID string, fn ServiceFunc) error {
	if fn == nil {
		return errors.WithMessage(ErrParamInvalid, "service func is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := nodeKey(specID, nodeID)
	if _, ok := r.services[key]; ok {
		return errors.WithMessagef(ErrParamInvalid, "service already registered, spec: %s, node: %s", specID, nodeID)
	}
	r.services[key] = fn
	delete(r.definitions, specID)
	return nil
}

// RegisterRelation 注册 lane 的关系函数, 返回满足关系的角色
func (r *Registry) RegisterRelation(specID string, relation string, fn RelationFunc) error {
	if fn == nil {
		return errors.WithMessage(ErrParamInvalid, "relation func is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := nodeKey(specID, relation)
	if _, ok := r.relations[key]; ok {
		return errors.WithMessagef(ErrParamInvalid, "relation already registered, spec: %s, relation: %s", specID, relation)
	}
	r.relations[key] = fn
	return nil
}

func (r *Registry) relation(specID string, relation string) (RelationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.relations[nodeKey(specID, relation)]
	return fn, ok
}

// SpecNames 已加载的流程名, 排好序
func (r *Registry) SpecNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) GetSpecDefinition(specID string) (*SpecDefinition, error) {
	r.mu.RLock()
	def, ok := r.definitions[specID]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if def, ok := r.definitions[specID]; ok {
		return def, nil
	}
	config, ok := r.configs[specID]
	if !ok {
		return nil, errors.WithMessagef(ErrSpecNotFound, "spec config %s not found", specID)
	}
	def, err := r.buildDefinition(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "build spec definition failed, spec: %s", specID)
	}
	r.definitions[specID] = def
	return def, nil
}

// buildDefinition 调用方持有写锁
func (r *Registry) buildDefinition(config *SpecConfig) (*SpecDefinition, error) {
	def := &SpecDefinition{
		ID:    config.ID,
		Name:  config.Name,
		Nodes: make(map[string]*NodeDefinition, len(config.Nodes)),
		Lanes: make(map[string]*LaneDefinition, len(config.Lanes)),
	}
	for _, lane := range config.Lanes {
		if _, ok := def.Lanes[lane.ID]; ok {
			return nil, errors.WithMessagef(ErrParamInvalid, "duplicate lane: %s", lane.ID)
		}
		for _, relation := range lane.Relations {
			if _, ok := r.relations[nodeKey(config.ID, relation)]; !ok {
				return nil, errors.WithMessagef(ErrCommandNotRegistered, "relation not registered, lane: %s, relation: %s", lane.ID, relation)
			}
		}
		def.Lanes[lane.ID] = lane
	}
	for _, node := range config.Nodes {
		if _, ok := def.Nodes[node.ID]; ok {
			return nil, errors.WithMessagef(ErrParamInvalid, "duplicate node: %s", node.ID)
		}
		nodeDef := &NodeDefinition{
			ID:        node.ID,
			Name:      node.Name,
			TaskType:  node.TaskType,
			PreNodes:  make([]*NodeDefinition, 0),
			NextNodes: make([]*NodeDefinition, 0),
			commands:  make(map[CommandKind]CommandFunc),
		}
		if node.Lane != "" {
			lane, ok := def.Lanes[node.Lane]
			if !ok {
				return nil, errors.WithMessagef(ErrParamInvalid, "node %s references unknown lane %s", node.ID, node.Lane)
			}
			nodeDef.Lane = lane
		} else if node.TaskType != TaskTypeEnd {
			return nil, errors.WithMessagef(ErrParamInvalid, "node %s has no lane", node.ID)
		}
		switch node.TaskType {
		case TaskTypeUser:
			for _, kind := range allCommandKinds {
				if fn, ok := r.commands[commandKey(config.ID, node.ID, kind)]; ok {
					nodeDef.commands[kind] = fn
				}
			}
			if len(nodeDef.commands) == 0 {
				return nil, errors.WithMessagef(ErrCommandNotRegistered, "user task %s has no command", node.ID)
			}
		case TaskTypeService:
			fn, ok := r.services[nodeKey(config.ID, node.ID)]
			if !ok {
				return nil, errors.WithMessagef(ErrCommandNotRegistered, "service task %s not registered", node.ID)
			}
			nodeDef.service = fn
		case TaskTypeEnd:
			if len(node.NextNodes) > 0 {
				return nil, errors.WithMessagef(ErrParamInvalid, "end node %s can not have next nodes", node.ID)
			}
		}
		def.Nodes[node.ID] = nodeDef
	}
	for _, node := range config.Nodes {
		current := def.Nodes[node.ID]
		for _, nextID := range node.NextNodes {
			next, ok := def.Nodes[nextID]
			if !ok {
				return nil, errors.WithMessagef(ErrParamInvalid, "node %s references unknown next node %s", node.ID, nextID)
			}
			current.NextNodes = append(current.NextNodes, next)
			next.PreNodes = append(next.PreNodes, current)
		}
	}
	start, ok := def.Nodes[config.StartNode]
	if !ok {
		return nil, errors.WithMessagef(ErrParamInvalid, "start node %s not found", config.StartNode)
	}
	if start.TaskType == TaskTypeEnd {
		return nil, errors.WithMessagef(ErrParamInvalid, "start node %s is an end node", config.StartNode)
	}
	def.StartNode = start
	if err := checkNodesReachable(def); err != nil {
		return nil, err
	}
	return def, nil
}

// checkNodesReachable 所有节点都要能从开始节点到达, 允许有环(驳回后重新提交)
func checkNodesReachable(def *SpecDefinition) error {
	visitMap := make(map[string]bool, len(def.Nodes))
	visitNodeDefinition(def.StartNode, visitMap)
	unreachable := make([]string, 0)
	for id := range def.Nodes {
		if !visitMap[id] {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return errors.WithMessagef(ErrParamInvalid, "nodes not reachable from start: %v", unreachable)
	}
	return nil
}

func visitNodeDefinition(node *NodeDefinition, visitMap map[string]bool) {
	if visitMap[node.ID] {
		return
	}
	visitMap[node.ID] = true
	for _, next := range node.NextNodes {
		visitNodeDefinition(next, visitMap)
	}
}

// Preload 构建所有已加载的流程, 启动时调用可以提前发现配置错误
func (r *Registry) Preload() error {
	errorlist := make([]error, 0)
	for _, name := range r.SpecNames() {
		if _, err := r.GetSpecDefinition(name); err != nil {
			errorlist = append(errorlist, err)
		}
	}
	if len(errorlist) > 0 {
		return goerrors.Join(errorlist...)
	}
	return nil
}

// Lane 查找流程里的 lane
func (r *Registry) Lane(specID string, laneID string) (*LaneDefinition, error) {
	def, err := r.GetSpecDefinition(specID)
	if err != nil {
		return nil, err
	}
	lane, ok := def.Lanes[laneID]
	if !ok {
		return nil, errors.WithMessagef(ErrSpecNotFound, "lane %s not found in spec %s", laneID, specID)
	}
	return lane, nil
}

// candidateOwners owners 和 relation 的结果合并去重
func (r *Registry) candidateOwners(ctx context.Context, specID string, lane *LaneDefinition, state *InstanceState) ([]string, error) {
	owners := make([]string, 0, len(lane.Owners))
	owners = append(owners, lane.Owners...)
	for _, relation := range lane.Relations {
		fn, ok := r.relation(specID, relation)
		if !ok {
			return nil, errors.WithMessagef(ErrCommandNotRegistered, "relation not registered, spec: %s, relation: %s", specID, relation)
		}
		roles, err := fn(ctx, state)
		if err != nil {
			return nil, errors.WithMessagef(err, "relation %s failed", relation)
		}
		owners = append(owners, roles...)
	}
	return UniqueStr(owners), nil
}

func UniqueStr(arr []string) []string {
	ret := make([]string, 0)
	arrItemMap := make(map[string]struct{})
	for _, v := range arr {
		if v == "" {
			continue
		}
		if _, ok := arrItemMap[v]; !ok {
			ret = append(ret, v)
			arrItemMap[v] = struct{}{}
		}
	}
	return ret
}

func describeNode(node *NodeDefinition) string {
	if node == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", node.ID, node.TaskType)
}
