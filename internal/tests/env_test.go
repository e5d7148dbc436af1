package tests

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blingmoon/lanework/internal/commonregister"
	"github.com/blingmoon/lanework/notify"
	"github.com/blingmoon/lanework/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testUsername = "alice"
	testPassword = "secret"
)

// stack 完整的协调器, 所有组件都是真实实现
type stack struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	db       *gorm.DB
	repo     workflow.InstanceRepo
	queue    *workflow.RedisJobQueue
	cfg      *workflow.Config
	metrics  *workflow.Metrics
	cache    *workflow.WFCache
	ledger   *workflow.InvitationLedger
	bus      *notify.Bus
	lanes    *workflow.LaneCoordinator
	coord    *workflow.Coordinator
	worker   *workflow.SyncWorker
	registry *workflow.Registry
}

func newStack(t *testing.T, opts ...func(*workflow.Config)) *stack {
	t.Helper()
	s := &stack{}
	s.mr = miniredis.RunT(t)
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	t.Cleanup(func() {
		_ = s.client.Close()
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(workflow.AllModels()...))
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	s.db = db

	s.cfg = workflow.DefaultConfig()
	s.cfg.LockTTL = workflow.Duration(2 * time.Second)
	for _, opt := range opts {
		opt(s.cfg)
	}
	require.NoError(t, s.cfg.Validate())

	s.registry = workflow.NewRegistry()
	require.NoError(t, commonregister.RegisterApprovalWorkflow(s.registry, nil))
	require.NoError(t, commonregister.RegisterLoginWorkflow(s.registry, commonregister.StaticCredentials(map[string]string{
		testUsername: testPassword,
	})))
	require.NoError(t, s.registry.Preload())

	s.repo = workflow.NewInstanceRepo(db)
	s.queue = workflow.NewRedisJobQueue(s.client, "TESTQ")
	s.metrics = workflow.NewMetrics(prometheus.NewRegistry())
	s.cache = workflow.NewWFCache(s.client, s.repo, s.queue, s.cfg, workflow.WithWFCacheMetrics(s.metrics))
	s.ledger = workflow.NewInvitationLedger(s.repo, s.metrics)
	lock := workflow.NewRedisTokenLock(s.client)
	s.bus = notify.NewBus(s.client, notify.WithLivenessWindow(s.cfg.LivenessWindow.Std()))
	interp := workflow.NewGraphInterpreter(s.registry, nil)
	s.lanes = workflow.NewLaneCoordinator(s.repo, s.ledger, lock, s.bus, interp, s.cfg, nil, s.metrics)
	s.coord = workflow.NewCoordinator(s.cache, s.lanes, interp, s.cfg,
		workflow.WithCoordinatorMetrics(s.metrics), workflow.WithRetryInterval(time.Millisecond))
	s.worker = workflow.NewSyncWorker(s.cache, s.repo, s.ledger, lock, s.queue, s.bus, s.cfg,
		workflow.WithSyncMetrics(s.metrics), workflow.WithSyncRetryInterval(time.Millisecond))
	return s
}

// drain 处理队列里所有的同步任务
func (s *stack) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		n, err := s.queue.Len(ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
		d, err := s.queue.Receive(ctx)
		require.NoError(t, err)
		s.worker.Process(ctx, d)
	}
}

func (s *stack) durable(t *testing.T, token string) *workflow.WorkflowInstancePo {
	t.Helper()
	po, err := s.repo.GetInstanceByToken(context.Background(), token)
	require.NoError(t, err)
	return po
}

func (s *stack) liveInvitations(t *testing.T, token string) []*workflow.TaskInvitationPo {
	t.Helper()
	live, err := s.ledger.Live(context.Background(), s.durable(t, token).ID)
	require.NoError(t, err)
	return live
}

func applicant() *workflow.Actor {
	return workflow.NewActor("u_applicant", commonregister.ApplicantRole, nil)
}

func reviewer(role string) *workflow.Actor {
	return workflow.NewActor("u_"+role, role, nil)
}
