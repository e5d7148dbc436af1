package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type MessageType = string

const (
	// 邀请某个角色来处理流程的下一步
	MessageTypeInvitation MessageType = "task_invitation"
	// 通知离开 lane 的用户：流程已经交给别人了
	MessageTypeSendOff MessageType = "lane_sendoff"
	// 认领失败之类的提示信息
	MessageTypeInfo MessageType = "info"
)

// Message 推送给某个 actor 的消息，ID 用于消费端去重
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Token     string         `json:"token,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

func NewMessage(msgType MessageType, title string, body string) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().Unix(),
	}
}

func (m Message) encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithMessagef(err, "marshal message failed, id: %s", m.ID)
	}
	return data, nil
}

func decodeMessage(data []byte) (Message, error) {
	msg := Message{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errors.WithMessage(err, "unmarshal message failed")
	}
	return msg, nil
}

// Inbox 消费端去重，投递是 at-least-once，同一个 ID 只处理一次
type Inbox struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	handler func(Message)
}

func NewInbox(handler func(Message)) *Inbox {
	return &Inbox{
		seen:    make(map[string]struct{}),
		handler: handler,
	}
}

// Accept 处理消息，重复的消息返回 false
func (i *Inbox) Accept(msg Message) bool {
	i.mu.Lock()
	if _, ok := i.seen[msg.ID]; ok {
		i.mu.Unlock()
		return false
	}
	i.seen[msg.ID] = struct{}{}
	i.mu.Unlock()
	if i.handler != nil {
		i.handler(msg)
	}
	return true
}
