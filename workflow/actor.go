package workflow

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// ActorResolver 查询用户拥有的所有角色, 权限系统由外部实现
type ActorResolver interface {
	Roles(ctx context.Context, userID string) ([]string, error)
}

type ActorResolverFunc func(ctx context.Context, userID string) ([]string, error)

func (f ActorResolverFunc) Roles(ctx context.Context, userID string) ([]string, error) {
	return f(ctx, userID)
}

// Actor 发起请求的用户, 只在一次请求内使用
//
// Roles 第一次调用时查询, 之后直接返回缓存的结果
type Actor struct {
	userID   string
	roleID   string
	resolver ActorResolver

	once  sync.Once
	roles []string
	err   error
}

func NewActor(userID string, roleID string, resolver ActorResolver) *Actor {
	return &Actor{userID: userID, roleID: roleID, resolver: resolver}
}

func (a *Actor) UserID() string {
	return a.userID
}

// RoleID 当前登录使用的角色
func (a *Actor) RoleID() string {
	return a.roleID
}

// Roles 当前角色排在第一个
func (a *Actor) Roles(ctx context.Context) ([]string, error) {
	a.once.Do(func() {
		roles := []string{a.roleID}
		if a.resolver != nil {
			resolved, err := a.resolver.Roles(ctx, a.userID)
			if err != nil {
				a.err = errors.WithMessagef(err, "resolve roles failed, user: %s", a.userID)
				return
			}
			roles = append(roles, resolved...)
		}
		a.roles = UniqueStr(roles)
	})
	return a.roles, a.err
}

// Match 在候选角色里找到当前用户可以使用的角色
func (a *Actor) Match(ctx context.Context, candidates []string) (string, bool, error) {
	roles, err := a.Roles(ctx)
	if err != nil {
		return "", false, err
	}
	for _, role := range roles {
		if slices.Contains(candidates, role) {
			return role, true, nil
		}
	}
	return "", false, nil
}
