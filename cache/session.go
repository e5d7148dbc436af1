package cache

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "SES"

	sessionKeyUserID = "user_id"
	sessionKeyRoleID = "role_id"
	sessionKeyLocale = "locale"

	DefaultLocale = "en"
)

// SessionStore 单个连接(session)的 key/value 空间, 保存用户身份和语言偏好
//
// 过期由外部的 keep-alive 负责，这里不刷新 TTL
type SessionStore struct {
	cache     *KeyedCache
	sessionID string
}

// Identity session 里保存的用户身份
type Identity struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

func NewSessionStore(client redis.Cmdable, sessionID string, opts ...Option) *SessionStore {
	return &SessionStore{
		cache:     NewKeyedCache(client, sessionPrefix, opts...),
		sessionID: sessionID,
	}
}

func (s *SessionStore) SessionID() string {
	return s.sessionID
}

// Get 读取 key 到 dest，key 不存在返回 false
func (s *SessionStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	return s.cache.Get(ctx, dest, s.sessionID, key)
}

func (s *SessionStore) Set(ctx context.Context, key string, value any) error {
	return s.cache.Set(ctx, value, s.sessionID, key)
}

// Delete 删除指定的 key，不传 key 时清空整个 session（登出）
func (s *SessionStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		// 末尾的空串保证只匹配 SES:<sid>:*，不会误删 SES:<sid>xxx
		_, err := s.cache.Flush(ctx, s.sessionID, "")
		return err
	}
	for _, key := range keys {
		if err := s.cache.Delete(ctx, s.sessionID, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) Contains(ctx context.Context, key string) (bool, error) {
	return s.cache.Exists(ctx, s.sessionID, key)
}

// Keys 返回 session 下的所有子 key
func (s *SessionStore) Keys(ctx context.Context) ([]string, error) {
	client := s.cache.client
	base := s.cache.Key(s.sessionID, "")
	keys := make([]string, 0)
	iter := client.Scan(ctx, 0, base+"*", FlushBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), base))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WithMessagef(ErrTransientIO, "[SessionStore.Keys] session: %s, err: %v", s.sessionID, err)
	}
	return keys, nil
}

// Items 返回 session 下所有 key 和对应的 JSON 原始值
func (s *SessionStore) Items(ctx context.Context) (map[string]json.RawMessage, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	items := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		var raw json.RawMessage
		ok, err := s.Get(ctx, key, &raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 扫描之后被删掉了
			continue
		}
		items[key] = raw
	}
	return items, nil
}

func (s *SessionStore) Values(ctx context.Context) ([]json.RawMessage, error) {
	items, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}
	values := make([]json.RawMessage, 0, len(items))
	for _, v := range items {
		values = append(values, v)
	}
	return values, nil
}

func (s *SessionStore) SetIdentity(ctx context.Context, identity Identity) error {
	if err := s.Set(ctx, sessionKeyUserID, identity.UserID); err != nil {
		return err
	}
	return s.Set(ctx, sessionKeyRoleID, identity.RoleID)
}

// Identity 未登录时返回零值
func (s *SessionStore) Identity(ctx context.Context) (Identity, error) {
	identity := Identity{}
	if _, err := s.Get(ctx, sessionKeyUserID, &identity.UserID); err != nil {
		return identity, err
	}
	if _, err := s.Get(ctx, sessionKeyRoleID, &identity.RoleID); err != nil {
		return identity, err
	}
	return identity, nil
}

func (s *SessionStore) SetLocale(ctx context.Context, locale string) error {
	return s.Set(ctx, sessionKeyLocale, locale)
}

// Locale 没有设置时返回 DefaultLocale
func (s *SessionStore) Locale(ctx context.Context) (string, error) {
	locale := DefaultLocale
	if _, err := s.Get(ctx, sessionKeyLocale, &locale); err != nil {
		return DefaultLocale, err
	}
	return locale, nil
}
