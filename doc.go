// Package lanework 管理多人参与的流程实例的生命周期。
//
// 流程由节点和 lane 组成, 每个 lane 属于一组候选角色。请求推进流程时:
//
//   - 先从 redis 缓存读取实例状态, 没有命中再查数据库
//   - 锁住 token, 请求带的版本不是最新的返回 ErrConflict
//   - 执行当前节点的命令, 走到下一个用户节点
//   - lane 变了就给新 lane 的候选人创建邀请, 和写回缓存、投递持久化同步任务一起成功或者一起回滚
//   - 成功之后给新的候选人发邀请通知, 离开的人收到离开通知
//
// 同步任务由 SyncWorker 异步消费: 第一个推进的候选人认领实例, 其他人的邀请被删除;
// 认领冲突时以数据库为准; 实例结束时清理邀请和缓存。
//
// 主要的包:
//
//   - cache: redis 上的 key/value 缓存和 session
//   - notify: 在线推送和离线缓冲的通知总线
//   - workflow: 流程定义、解释器、缓存、邀请、lane 协调和同步任务
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/lanework/notify"
//	    "github.com/blingmoon/lanework/workflow"
//	    "github.com/redis/go-redis/v9"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    ctx := context.Background()
//	    // 1. 初始化数据库和 redis
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    db.AutoMigrate(workflow.AllModels()...)
//	    client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
//
//	    // 2. 加载流程定义并注册命令
//	    registry := workflow.NewRegistry()
//	    registry.LoadSpecYAML([]byte(specYAML))
//	    registry.RegisterCommand("leave", "apply", workflow.CommandSubmit,
//	        func(ctx context.Context, sc *workflow.StepContext) error {
//	            days, _ := sc.InputString("days")
//	            return sc.TaskData.Set([]string{"days"}, days)
//	        })
//	    registry.Preload()
//
//	    // 3. 组装协调器和同步任务
//	    cfg := workflow.DefaultConfig()
//	    repo := workflow.NewInstanceRepo(db)
//	    queue := workflow.NewRedisJobQueue(client, "SYNC")
//	    wfCache := workflow.NewWFCache(client, repo, queue, cfg)
//	    ledger := workflow.NewInvitationLedger(repo, nil)
//	    lock := workflow.NewRedisTokenLock(client)
//	    bus := notify.NewBus(client)
//	    interp := workflow.NewGraphInterpreter(registry, nil)
//	    lanes := workflow.NewLaneCoordinator(repo, ledger, lock, bus, interp, cfg, nil, nil)
//	    coordinator := workflow.NewCoordinator(wfCache, lanes, interp, cfg)
//	    worker := workflow.NewSyncWorker(wfCache, repo, ledger, lock, queue, bus, cfg)
//	    go worker.Run(ctx)
//
//	    // 4. 每个请求: 找到实例, 推进一步
//	    state, _ := coordinator.ResolveInstance(ctx, "leave", "")
//	    actor := workflow.NewActor("u1", "employee", nil)
//	    coordinator.Advance(ctx, actor, state, &workflow.StepInput{
//	        Command: workflow.CommandSubmit,
//	        Data:    map[string]any{"days": "3"},
//	    })
//	}
//
// 完整的示例见 examples/with-sqlite。
package lanework
