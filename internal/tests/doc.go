// Package tests 是 lanework 的集成测试。
//
// 这里的测试把整个协调器组装起来: sqlite 作为持久化存储, miniredis 作为缓存、
// 同步队列、分布式锁和通知总线, 流程使用 internal/commonregister 里注册的
// 审批流程和登录流程。
//
// 运行测试:
//
//	go test ./internal/tests/...
package tests
