package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blingmoon/lanework/notify"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	reviewSpec = "review_spec"
	roleAuthor = "author"
	roleA      = "role_a"
	roleB      = "role_b"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 每个连接都是一个新的内存库
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

// recordingNotifier 记录所有投递的消息
type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]notify.Message
	err      error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{messages: make(map[string][]notify.Message)}
}

func (n *recordingNotifier) Deliver(_ context.Context, actorID string, msg notify.Message) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return false, n.err
	}
	n.messages[actorID] = append(n.messages[actorID], msg)
	return true, nil
}

func (n *recordingNotifier) For(actorID string) []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.messages[actorID]...)
}

// flakyQueue 前 failures 次 Publish 失败
type flakyQueue struct {
	*MemoryJobQueue
	mu       sync.Mutex
	failures int
	calls    int
}

func (q *flakyQueue) Publish(ctx context.Context, job SyncJob) error {
	q.mu.Lock()
	q.calls++
	if q.failures > 0 {
		q.failures--
		q.mu.Unlock()
		return errors.WithMessage(ErrTransientIO, "queue unavailable")
	}
	q.mu.Unlock()
	return q.MemoryJobQueue.Publish(ctx, job)
}

type testEnv struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	db       *gorm.DB
	repo     InstanceRepo
	queue    *MemoryJobQueue
	cfg      *Config
	metrics  *Metrics
	cache    *WFCache
	ledger   *InvitationLedger
	lock     TokenLock
	notifier *recordingNotifier
	registry *Registry
	interp   *GraphInterpreter
	lanes    *LaneCoordinator
	coord    *Coordinator
	worker   *SyncWorker
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LockTTL = Duration(2 * time.Second)
	for _, opt := range opts {
		opt(cfg)
	}
	env := &testEnv{cfg: cfg}
	env.mr, env.client = newTestRedis(t)
	env.db = newTestDB(t)
	env.repo = NewInstanceRepo(env.db)
	env.queue = NewMemoryJobQueue(128)
	env.metrics = NewMetrics(nil)
	env.cache = NewWFCache(env.client, env.repo, env.queue, cfg, WithWFCacheMetrics(env.metrics))
	env.ledger = NewInvitationLedger(env.repo, env.metrics)
	env.lock = NewRedisTokenLock(env.client)
	env.notifier = newRecordingNotifier()
	env.registry = NewRegistry()
	require.NoError(t, registerReviewSpec(env.registry))
	env.interp = NewGraphInterpreter(env.registry, nil)
	env.lanes = NewLaneCoordinator(env.repo, env.ledger, env.lock, env.notifier, env.interp, cfg, nil, env.metrics)
	env.coord = NewCoordinator(env.cache, env.lanes, env.interp, cfg, WithCoordinatorMetrics(env.metrics), WithRetryInterval(time.Millisecond))
	env.worker = NewSyncWorker(env.cache, env.repo, env.ledger, env.lock, env.queue, env.notifier, cfg,
		WithSyncMetrics(env.metrics), WithSyncRetryInterval(time.Millisecond))
	return env
}

// drain 同步处理队列里所有的任务
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for e.queue.Len() > 0 {
		d, err := e.queue.Receive(ctx)
		require.NoError(t, err)
		e.worker.Process(ctx, d)
	}
}

// registerReviewSpec 测试用流程
//
// write(draft) -> check(review) -> check2(review) -> archive(archive, 关系计算) -> end
func registerReviewSpec(registry *Registry) error {
	config := &SpecConfig{
		ID:        reviewSpec,
		Name:      "review",
		StartNode: "write",
		Lanes: []*LaneDefinition{
			{ID: "draft", Owners: []string{roleAuthor}},
			{ID: "review", Owners: []string{roleA, roleB}},
			{ID: "archive", Relations: []string{"archivist"}},
		},
		Nodes: []*NodeDefinitionConfig{
			{ID: "write", Lane: "draft", TaskType: TaskTypeUser, NextNodes: []string{"check"}},
			{ID: "check", Lane: "review", TaskType: TaskTypeUser, NextNodes: []string{"check2", "write"}},
			{ID: "check2", Lane: "review", TaskType: TaskTypeUser, NextNodes: []string{"stamp"}},
			{ID: "stamp", Lane: "review", TaskType: TaskTypeService, NextNodes: []string{"archive"}},
			{ID: "archive", Lane: "archive", TaskType: TaskTypeUser, NextNodes: []string{"end"}},
			{ID: "end", TaskType: TaskTypeEnd},
		},
	}
	if err := registry.LoadSpec(config); err != nil {
		return err
	}
	if err := registry.RegisterCommand(reviewSpec, "write", CommandSubmit, func(ctx context.Context, sc *StepContext) error {
		title, _ := sc.InputString("title")
		return sc.TaskData.Set([]string{"title"}, title)
	}); err != nil {
		return err
	}
	if err := registry.RegisterCommand(reviewSpec, "check", CommandApprove, func(ctx context.Context, sc *StepContext) error {
		sc.Goto("check2")
		return nil
	}); err != nil {
		return err
	}
	if err := registry.RegisterCommand(reviewSpec, "check", CommandReject, func(ctx context.Context, sc *StepContext) error {
		sc.Goto("write")
		return nil
	}); err != nil {
		return err
	}
	if err := registry.RegisterCommand(reviewSpec, "check2", CommandApprove, func(ctx context.Context, sc *StepContext) error {
		sc.SetOutput("screen", "approved")
		return nil
	}); err != nil {
		return err
	}
	if err := registry.RegisterService(reviewSpec, "stamp", func(ctx context.Context, sc *StepContext) error {
		return sc.TaskData.Set([]string{"stamped"}, true)
	}); err != nil {
		return err
	}
	if err := registry.RegisterCommand(reviewSpec, "archive", CommandApprove, func(ctx context.Context, sc *StepContext) error {
		return nil
	}); err != nil {
		return err
	}
	return registry.RegisterRelation(reviewSpec, "archivist", func(ctx context.Context, state *InstanceState) ([]string, error) {
		role, ok := state.TaskData.GetString("archivist")
		if !ok {
			return nil, nil
		}
		return []string{role}, nil
	})
}
