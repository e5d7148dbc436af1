package commonregister

import (
	"context"

	"github.com/blingmoon/lanework/workflow"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const LoginSpecName = "login_workflow"

const loginSpecYAML = `
id: login_workflow
name: 登录
start_node: login
lanes:
  - id: anonymous
    name: 匿名用户
nodes:
  - id: login
    name: 登录
    lane: anonymous
    task_type: user_task
    next_nodes: [dashboard]
  - id: dashboard
    name: 首页
    lane: anonymous
    task_type: user_task
    next_nodes: [logout]
  - id: logout
    name: 退出
    task_type: end
`

// CredentialChecker 校验用户名密码, 由外部的认证系统实现
type CredentialChecker func(ctx context.Context, username string, password string) (bool, error)

// StaticCredentials 固定的用户名密码, 测试和示例使用
func StaticCredentials(users map[string]string) CredentialChecker {
	return func(ctx context.Context, username string, password string) (bool, error) {
		expected, ok := users[username]
		return ok && expected == password, nil
	}
}

// RegisterLoginWorkflow 登录流程, 匿名 lane 是开放的, 登录成功进入首页
func RegisterLoginWorkflow(registry *workflow.Registry, checker CredentialChecker) error {
	if checker == nil {
		return errors.New("credential checker is nil")
	}
	config := &workflow.SpecConfig{}
	if err := yaml.Unmarshal([]byte(loginSpecYAML), config); err != nil {
		return errors.Wrap(err, "unmarshal login spec failed")
	}
	if err := registry.LoadSpec(config); err != nil {
		return errors.Wrap(err, "load login spec failed")
	}
	err := registry.RegisterCommand(LoginSpecName, "login", workflow.CommandLogin, func(ctx context.Context, sc *workflow.StepContext) error {
		username, _ := sc.InputString("username")
		password, _ := sc.InputString("password")
		ok, err := checker(ctx, username, password)
		if err != nil {
			return errors.WithMessage(err, "check credentials failed")
		}
		if !ok {
			sc.SetOutput("screen", "login")
			sc.SetOutput("error", "invalid credentials")
			sc.Goto("login")
			return nil
		}
		sc.TaskData.Set([]string{"username"}, username)
		sc.SetOutput("screen", "dashboard")
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "register login command failed")
	}
	err = registry.RegisterCommand(LoginSpecName, "dashboard", workflow.CommandNext, func(ctx context.Context, sc *workflow.StepContext) error {
		sc.SetOutput("screen", "logout")
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "register dashboard command failed")
	}
	return nil
}
