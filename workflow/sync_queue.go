package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// SyncJobName 持久化同步任务的名字
const SyncJobName = "sync_wf_cache"

// SyncJob 只带 token, worker 总是从缓存重新读取状态
type SyncJob struct {
	Job     string `json:"job"`
	Token   string `json:"token"`
	Attempt int    `json:"attempt,omitempty"`
}

func NewSyncJob(token string) SyncJob {
	return SyncJob{Job: SyncJobName, Token: token}
}

// Delivery 取出来还没有确认的任务
type Delivery struct {
	Job SyncJob
	raw string
}

// JobQueue at-least-once 的任务队列, Receive 之后必须 Ack 或者 Nack
type JobQueue interface {
	Publish(ctx context.Context, job SyncJob) error
	// Receive 阻塞直到拿到任务或者 ctx 结束
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack 重新投递, Attempt 加一
	Nack(ctx context.Context, d *Delivery) error
	// DeadLetter 重试次数用完的任务移到死信队列, 不再投递
	DeadLetter(ctx context.Context, d *Delivery) error
}

// Requeuer 能把取出来没有确认的任务放回队列, SyncWorker 启动时调用
type Requeuer interface {
	Requeue(ctx context.Context) (int, error)
}

const (
	defaultQueueName  = "SYNCQ"
	queuePollInterval = 50 * time.Millisecond
)

// RedisJobQueue 用两个 list 实现: pending 等待消费, processing 已取出未确认
//
// worker 进程崩溃后 processing 里的任务在下次 SyncWorker.Run 启动时通过 Requeue 放回 pending
type RedisJobQueue struct {
	client     redis.Cmdable
	pending    string
	processing string
	dead       string
}

func NewRedisJobQueue(client redis.Cmdable, name string) *RedisJobQueue {
	if name == "" {
		name = defaultQueueName
	}
	return &RedisJobQueue{
		client:     client,
		pending:    name + ":pending",
		processing: name + ":processing",
		dead:       name + ":dead",
	}
}

func (q *RedisJobQueue) Publish(ctx context.Context, job SyncJob) error {
	if job.Job == "" {
		job.Job = SyncJobName
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WithMessagef(err, "marshal sync job, token: %s", job.Token)
	}
	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		return errors.WithMessagef(ErrTransientIO, "publish sync job, token: %s, err: %v", job.Token, err)
	}
	return nil
}

func (q *RedisJobQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.LMove(ctx, q.pending, q.processing, "RIGHT", "LEFT").Result()
		if err == nil {
			job := SyncJob{}
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				// 坏数据直接丢掉, 不然会一直卡在 processing
				_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
				return nil, errors.WithMessagef(ErrParamInvalid, "decode sync job %q, err: %v", raw, err)
			}
			return &Delivery{Job: job, raw: raw}, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, errors.WithMessagef(ErrTransientIO, "receive sync job, err: %v", err)
		}
		timer := time.NewTimer(queuePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisJobQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return errors.WithMessagef(ErrTransientIO, "ack sync job, token: %s, err: %v", d.Job.Token, err)
	}
	return nil
}

func (q *RedisJobQueue) Nack(ctx context.Context, d *Delivery) error {
	job := d.Job
	job.Attempt++
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WithMessagef(err, "marshal sync job, token: %s", job.Token)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.raw)
		pipe.LPush(ctx, q.pending, data)
		return nil
	})
	if err != nil {
		return errors.WithMessagef(ErrTransientIO, "nack sync job, token: %s, err: %v", job.Token, err)
	}
	return nil
}

func (q *RedisJobQueue) DeadLetter(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.raw)
		pipe.LPush(ctx, q.dead, d.raw)
		return nil
	})
	if err != nil {
		return errors.WithMessagef(ErrTransientIO, "dead letter sync job, token: %s, err: %v", d.Job.Token, err)
	}
	return nil
}

// DeadLetters 死信队列里的任务, 先进先出
func (q *RedisJobQueue) DeadLetters(ctx context.Context) ([]SyncJob, error) {
	raws, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return nil, errors.WithMessagef(ErrTransientIO, "list dead sync jobs, err: %v", err)
	}
	jobs := make([]SyncJob, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		job := SyncJob{}
		if err := json.Unmarshal([]byte(raws[i]), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Requeue 把 processing 里残留的任务放回 pending, 只能在没有 worker 消费时调用
func (q *RedisJobQueue) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, errors.WithMessagef(ErrTransientIO, "requeue sync jobs, err: %v", err)
		}
		moved++
	}
}

// Len 等待消费的任务数
func (q *RedisJobQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, errors.WithMessagef(ErrTransientIO, "len sync queue, err: %v", err)
	}
	return n, nil
}

// MemoryJobQueue 单进程用的队列
type MemoryJobQueue struct {
	jobs chan SyncJob
	mu   sync.Mutex
	dead []SyncJob
}

func NewMemoryJobQueue(size int) *MemoryJobQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryJobQueue{jobs: make(chan SyncJob, size)}
}

func (q *MemoryJobQueue) Publish(ctx context.Context, job SyncJob) error {
	if job.Job == "" {
		job.Job = SyncJobName
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return errors.WithMessagef(ErrTransientIO, "publish sync job, token: %s, err: %v", job.Token, ctx.Err())
	}
}

func (q *MemoryJobQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case job := <-q.jobs:
		return &Delivery{Job: job}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryJobQueue) Ack(context.Context, *Delivery) error {
	return nil
}

func (q *MemoryJobQueue) Nack(ctx context.Context, d *Delivery) error {
	job := d.Job
	job.Attempt++
	return q.Publish(ctx, job)
}

func (q *MemoryJobQueue) DeadLetter(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, d.Job)
	return nil
}

func (q *MemoryJobQueue) DeadLetters() []SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SyncJob(nil), q.dead...)
}

// Len 等待消费的任务数
func (q *MemoryJobQueue) Len() int {
	return len(q.jobs)
}
