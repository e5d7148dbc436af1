package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blingmoon/lanework/cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	livenessPrefix = "ONLINE"
	bufferPrefix   = "MSGQ"
	channelPrefix  = "actor"

	DefaultLivenessWindow = 60 * time.Second
)

var ErrTransientIO = cache.ErrTransientIO

// Bus 按 actor 投递消息
//
// actor 在线（liveness 记录在窗口内）时直接 PUBLISH 到 actor 的频道，
// 否则缓冲到 actor 自己的列表里，下次 Connect 时按 FIFO 顺序补发
type Bus struct {
	client    redis.UniversalClient
	liveness  *cache.KeyedCache
	buffer    *cache.KeyedCache
	window    time.Duration
	logger    *slog.Logger
	delivered *prometheus.CounterVec
}

type BusOption func(*Bus)

// WithLivenessWindow actor 心跳的有效时间
func WithLivenessWindow(window time.Duration) BusOption {
	return func(b *Bus) {
		b.window = window
	}
}

func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithRegisterer 注册投递计数 lanework_notifications_total{result}
func WithRegisterer(reg prometheus.Registerer) BusOption {
	return func(b *Bus) {
		if reg == nil {
			return
		}
		reg.MustRegister(b.delivered)
	}
}

func NewBus(client redis.UniversalClient, opts ...BusOption) *Bus {
	b := &Bus{
		client:   client,
		liveness: cache.NewKeyedCache(client, livenessPrefix, cache.WithRaw()),
		buffer:   cache.NewKeyedCache(client, bufferPrefix),
		window:   DefaultLivenessWindow,
		logger:   slog.Default(),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanework",
			Name:      "notifications_total",
			Help:      "Notifications handed to the bus, by live push or offline buffering.",
		}, []string{"result"}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) channel(actorID string) string {
	return fmt.Sprintf("%s:%s", channelPrefix, actorID)
}

// MarkAlive actor 心跳，外部 keep-alive 定时调用
func (b *Bus) MarkAlive(ctx context.Context, actorID string) error {
	return b.liveness.SetWithTTL(ctx, time.Now().Unix(), b.window, actorID)
}

func (b *Bus) IsOnline(ctx context.Context, actorID string) (bool, error) {
	return b.liveness.Exists(ctx, actorID)
}

// Deliver 投递消息，返回是否实时推送成功，false 表示已经缓冲
func (b *Bus) Deliver(ctx context.Context, actorID string, msg Message) (bool, error) {
	if actorID == "" {
		return false, errors.New("[Bus.Deliver] empty actor")
	}
	online, err := b.IsOnline(ctx, actorID)
	if err != nil {
		return false, errors.WithMessagef(err, "[Bus.Deliver] actor: %s", actorID)
	}
	if online {
		pushed, err := b.publish(ctx, actorID, msg)
		if err != nil {
			return false, err
		}
		if pushed {
			b.delivered.WithLabelValues("live").Inc()
			return true, nil
		}
		// liveness 还没过期但是已经没有订阅者了，按离线处理
		b.logger.InfoContext(ctx, "actor marked online but has no subscriber, buffering", "actor", actorID, "message_id", msg.ID)
	}
	if err := b.buffer.ListAppend(ctx, msg, actorID); err != nil {
		return false, errors.WithMessagef(err, "[Bus.Deliver] buffer failed, actor: %s", actorID)
	}
	b.delivered.WithLabelValues("buffered").Inc()
	return false, nil
}

func (b *Bus) publish(ctx context.Context, actorID string, msg Message) (bool, error) {
	data, err := msg.encode()
	if err != nil {
		return false, err
	}
	receivers, err := b.client.Publish(ctx, b.channel(actorID), data).Result()
	if err != nil {
		return false, errors.WithMessagef(ErrTransientIO, "[Bus.publish] actor: %s, err: %v", actorID, err)
	}
	return receivers > 0, nil
}

// Buffered 返回 actor 还没有收到的消息
func (b *Bus) Buffered(ctx context.Context, actorID string) ([]Message, error) {
	raws, err := b.buffer.ListAll(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return b.decodeAll(ctx, actorID, raws), nil
}

// FlushBuffered 把缓冲的消息按顺序推给在线的 actor，返回推送的数量
// 推送中途 actor 断开的话剩下的消息重新放回缓冲
func (b *Bus) FlushBuffered(ctx context.Context, actorID string) (int, error) {
	raws, err := b.buffer.ListDrain(ctx, actorID)
	if err != nil {
		return 0, err
	}
	msgs := b.decodeAll(ctx, actorID, raws)
	for i, msg := range msgs {
		pushed, err := b.publish(ctx, actorID, msg)
		if err == nil && pushed {
			continue
		}
		if bufErr := b.rebuffer(ctx, actorID, msgs[i:]); bufErr != nil {
			b.logger.ErrorContext(ctx, "re-buffer messages failed", "actor", actorID, "count", len(msgs)-i, "err", bufErr)
		}
		if err != nil {
			return i, err
		}
		return i, nil
	}
	return len(msgs), nil
}

// rebuffer 没推出去的消息放回缓冲头部, 推送期间新缓冲的消息排在它们后面
func (b *Bus) rebuffer(ctx context.Context, actorID string, msgs []Message) error {
	rest := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		rest = append(rest, msg)
	}
	return b.buffer.ListPrepend(ctx, rest, actorID)
}

func (b *Bus) decodeAll(ctx context.Context, actorID string, raws []string) []Message {
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeMessage([]byte(raw))
		if err != nil {
			b.logger.ErrorContext(ctx, "drop undecodable buffered message", "actor", actorID, "err", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// Connect actor 上线：订阅频道、记录 liveness，然后补发离线期间缓冲的消息
func (b *Bus) Connect(ctx context.Context, actorID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(actorID))
	// 等订阅确认之后再补发，否则补发的消息可能没人收
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.WithMessagef(ErrTransientIO, "[Bus.Connect] subscribe actor: %s, err: %v", actorID, err)
	}
	sub := newSubscription(actorID, pubsub, b.logger)
	if err := b.MarkAlive(ctx, actorID); err != nil {
		_ = sub.Close()
		return nil, errors.WithMessagef(err, "[Bus.Connect] actor: %s", actorID)
	}
	if _, err := b.FlushBuffered(ctx, actorID); err != nil {
		b.logger.WarnContext(ctx, "flush buffered messages failed, will retry on next connect", "actor", actorID, "err", err)
	}
	return sub, nil
}

// Disconnect 清理 liveness，之后的消息都会被缓冲
func (b *Bus) Disconnect(ctx context.Context, actorID string) error {
	return b.liveness.Delete(ctx, actorID)
}

// Subscription actor 的实时消息流
type Subscription struct {
	actorID   string
	pubsub    *redis.PubSub
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSubscription(actorID string, pubsub *redis.PubSub, logger *slog.Logger) *Subscription {
	sub := &Subscription{
		actorID: actorID,
		pubsub:  pubsub,
		ch:      make(chan Message, 64),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(sub.ch)
		for raw := range pubsub.Channel() {
			msg, err := decodeMessage([]byte(raw.Payload))
			if err != nil {
				logger.Error("drop undecodable message", "actor", actorID, "err", err)
				continue
			}
			select {
			case <-sub.done:
				return
			default:
			}
			select {
			case sub.ch <- msg:
			case <-sub.done:
				// 没人读了, 直接退出
				return
			}
		}
	}()
	return sub
}

func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// Close 关闭订阅, Messages 返回的 channel 随后被关闭, 可以重复调用
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
