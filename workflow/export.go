package workflow

import "context"

// CoordinatorService 给传输层(HTTP/WS)使用的接口, 每个请求调用一次
type CoordinatorService interface {
	/**
	 * @description: 根据 token 找到流程实例
	 *				 token 为空时创建新实例并定位到开始节点, 新实例在第一次 Advance 之后才会保存
	 *				 token 在缓存和数据库里都找不到时也返回新实例, 新实例使用新生成的 token
	 * @param ctx context.Context
	 * @param specName string 流程名, 只有新实例需要
	 * @param token string
	 * @return *InstanceState, error
	 */
	ResolveInstance(ctx context.Context, specName string, token string) (*InstanceState, error)
	/**
	 * @description: 推进流程实例一步
	 *				 1.检查 actor 是否可以操作当前 lane, 不可以返回 ErrPermission, 不修改任何状态
	 *				 2.执行当前节点的命令, 走到下一个用户节点
	 *				 3.lane 变更时邀请新 lane 的候选人, 新 lane 没有候选人返回 ErrPermission
	 *				 4.写缓存并投递持久化任务, 连接问题有限次重试, 仍然失败返回可重试的错误
	 *				 5.发送邀请和离开通知
	 * @param ctx context.Context
	 * @param actor *Actor 发起请求的用户
	 * @param state *InstanceState ResolveInstance 返回的状态, 不会被修改
	 * @param input *StepInput
	 * @return *StepOutcome, error
	 */
	Advance(ctx context.Context, actor *Actor, state *InstanceState, input *StepInput) (*StepOutcome, error)
}

var _ CoordinatorService = (*Coordinator)(nil)
