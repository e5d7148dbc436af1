package workflow

import (
	"context"
	"testing"

	"github.com/blingmoon/lanework/notify"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneCoordinatorTransition(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		oldLane    string
		newLane    string
		user       string
		candidates []string
		state      LaneState
		retained   bool
		wantErr    error
	}{
		{name: "lane 没变", oldLane: "review", newLane: "review", user: roleA, state: LaneSame},
		{name: "lane 变了", oldLane: "draft", newLane: "review", user: roleAuthor, candidates: []string{roleA, roleB, roleA}, state: LaneChanged},
		{name: "当前角色也是候选人", oldLane: "draft", newLane: "review", user: roleA, candidates: []string{roleA, roleB}, state: LaneChanged, retained: true},
		{name: "没有候选人", oldLane: "draft", newLane: "archive", user: roleAuthor, state: LaneBlocked, wantErr: ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := env.lanes.Transition(tt.oldLane, tt.newLane, tt.user, tt.candidates)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, tr)
			assert.Equal(t, tt.state, tr.State)
			assert.Equal(t, tt.retained, tr.Retained)
			assert.Equal(t, tt.state == LaneChanged && !tt.retained, tr.NeedsInvite())
		})
	}

	t.Run("候选人去重", func(t *testing.T) {
		tr, err := env.lanes.Transition("draft", "review", roleAuthor, []string{roleA, roleB, roleA})
		require.NoError(t, err)
		assert.Equal(t, []string{roleA, roleB}, tr.PossibleOwners)
	})
}

func TestLaneCoordinatorApply(t *testing.T) {
	ctx := context.Background()

	t.Run("重复执行不会重复邀请", func(t *testing.T) {
		env := newTestEnv(t)
		state := NewInstanceState(reviewSpec)
		tr, err := env.lanes.Transition("draft", "review", roleAuthor, []string{roleA, roleB})
		require.NoError(t, err)

		invited, err := env.lanes.Apply(ctx, state, tr, roleAuthor)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{roleA, roleB}, invited)

		invited, err = env.lanes.Apply(ctx, state, tr, roleAuthor)
		require.NoError(t, err)
		assert.Empty(t, invited)

		po, err := env.repo.GetInstanceByToken(ctx, state.Token)
		require.NoError(t, err)
		live, err := env.ledger.Live(ctx, po.ID)
		require.NoError(t, err)
		assert.Len(t, live, 2)

		// 每个候选人只收到一次邀请
		for _, role := range []string{roleA, roleB} {
			msgs := env.notifier.For(role)
			require.Len(t, msgs, 1)
			assert.Equal(t, notify.MessageTypeInvitation, msgs[0].Type)
			assert.Equal(t, state.Token, msgs[0].Token)
			assert.Equal(t, env.cfg.LaneChangeMessage.Title, msgs[0].Title)
		}
		sendoffs := env.notifier.For(roleAuthor)
		require.Len(t, sendoffs, 2)
		assert.Equal(t, notify.MessageTypeSendOff, sendoffs[0].Type)
	})

	t.Run("task_data 覆盖消息", func(t *testing.T) {
		env := newTestEnv(t)
		state := NewInstanceState(reviewSpec)
		require.NoError(t, state.TaskData.Set([]string{TaskDataLaneChangeTitle}, "Your turn"))
		require.NoError(t, state.TaskData.Set([]string{TaskDataLaneChangeBody}, "Please check the draft"))
		tr, err := env.lanes.Transition("draft", "review", roleAuthor, []string{roleA})
		require.NoError(t, err)
		_, err = env.lanes.Apply(ctx, state, tr, roleAuthor)
		require.NoError(t, err)

		msgs := env.notifier.For(roleA)
		require.Len(t, msgs, 1)
		assert.Equal(t, "Your turn", msgs[0].Title)
		assert.Equal(t, "Please check the draft", msgs[0].Body)
	})

	t.Run("回到之前的 lane 重新邀请", func(t *testing.T) {
		env := newTestEnv(t)
		state := NewInstanceState(reviewSpec)
		toReview, err := env.lanes.Transition("draft", "review", roleAuthor, []string{roleA})
		require.NoError(t, err)
		_, err = env.lanes.Invite(ctx, state, toReview)
		require.NoError(t, err)

		toDraft, err := env.lanes.Transition("review", "draft", roleA, []string{roleAuthor})
		require.NoError(t, err)
		invited, err := env.lanes.Invite(ctx, state, toDraft)
		require.NoError(t, err)
		assert.Equal(t, []string{roleAuthor}, invited)

		invited, err = env.lanes.Invite(ctx, state, toReview)
		require.NoError(t, err)
		assert.Equal(t, []string{roleA}, invited)
	})

	t.Run("不需要邀请", func(t *testing.T) {
		env := newTestEnv(t)
		state := NewInstanceState(reviewSpec)
		tr, err := env.lanes.Transition("draft", "review", roleA, []string{roleA, roleB})
		require.NoError(t, err)
		invited, err := env.lanes.Apply(ctx, state, tr, roleA)
		require.NoError(t, err)
		assert.Empty(t, invited)
		assert.Empty(t, env.notifier.For(roleB))
		_, err = env.repo.GetInstanceByToken(ctx, state.Token)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("不持久化的流程只发通知", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *Config) {
			cfg.EphemeralWorkflowNames = []string{reviewSpec}
		})
		state := NewInstanceState(reviewSpec)
		tr, err := env.lanes.Transition("draft", "review", roleAuthor, []string{roleA, roleB})
		require.NoError(t, err)
		invited, err := env.lanes.Apply(ctx, state, tr, roleAuthor)
		require.NoError(t, err)
		assert.Equal(t, []string{roleA, roleB}, invited)
		assert.Len(t, env.notifier.For(roleA), 1)
		_, err = env.repo.GetInstanceByToken(ctx, state.Token)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("关闭自动通知", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, registerQuietSpec(env.registry))
		state := NewInstanceState(quietSpec)
		tr, err := env.lanes.Transition("first", "second", "x", []string{"y"})
		require.NoError(t, err)
		invited, err := env.lanes.Apply(ctx, state, tr, "x")
		require.NoError(t, err)
		assert.Equal(t, []string{"y"}, invited)
		assert.Empty(t, env.notifier.For("y"))
		assert.Empty(t, env.notifier.For("x"))
	})

	t.Run("投递失败不影响邀请", func(t *testing.T) {
		env := newTestEnv(t)
		env.notifier.err = errors.New("bus down")
		state := NewInstanceState(reviewSpec)
		tr, err := env.lanes.Transition("draft", "review", roleAuthor, []string{roleA})
		require.NoError(t, err)
		invited, err := env.lanes.Apply(ctx, state, tr, roleAuthor)
		require.NoError(t, err)
		assert.Equal(t, []string{roleA}, invited)
	})
}

const quietSpec = "quiet_spec"

// registerQuietSpec 两个 lane 都关闭了自动通知
func registerQuietSpec(registry *Registry) error {
	err := registry.LoadSpec(&SpecConfig{
		ID:        quietSpec,
		StartNode: "n1",
		Lanes: []*LaneDefinition{
			{ID: "first", Owners: []string{"x"}, AutoInvite: Bool(false), AutoSendoff: Bool(false)},
			{ID: "second", Owners: []string{"y"}, AutoInvite: Bool(false), AutoSendoff: Bool(false)},
		},
		Nodes: []*NodeDefinitionConfig{
			{ID: "n1", Lane: "first", TaskType: TaskTypeUser, NextNodes: []string{"n2"}},
			{ID: "n2", Lane: "second", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
			{ID: "end", TaskType: TaskTypeEnd},
		},
	})
	if err != nil {
		return err
	}
	next := func(ctx context.Context, sc *StepContext) error { return nil }
	if err := registry.RegisterCommand(quietSpec, "n1", CommandNext, next); err != nil {
		return err
	}
	return registry.RegisterCommand(quietSpec, "n2", CommandNext, next)
}
