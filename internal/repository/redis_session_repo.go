package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/profrate/internal/model"
)

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// 各セッションはTTL付きのJSONとして保存し、ユーザーごとのセッションIDをSETで索引する。
type RedisSessionRepo struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
func NewRedisSessionRepo(client *redis.Client) *RedisSessionRepo {
	return &RedisSessionRepo{
		client: client,
		prefix: "session:",
		now:    time.Now,
	}
}

func (r *RedisSessionRepo) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisSessionRepo) userKey(userID string) string {
	return r.prefix + "user:" + userID
}

// Create はセッションを作成する。有効期限はRedisのTTLとして設定する。
func (r *RedisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if session.ID == "" || session.UserID == "" {
		return errors.New("session: missing id or user_id")
	}

	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return errors.New("session: expires_at must be in the future")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(session.ID), data, ttl)
	pipe.SAdd(ctx, r.userKey(session.UserID), session.ID)
	pipe.Expire(ctx, r.userKey(session.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。存在しない場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if s.Expired(r.now()) {
		return nil, nil
	}
	return &s, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	s, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(id))
	if s != nil {
		pipe.SRem(ctx, r.userKey(s.UserID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *RedisSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, r.key(id))
	}
	keys = append(keys, r.userKey(userID))

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// DeleteExpired はRedisのTTLで期限切れキーが消えるため何もしない。
func (r *RedisSessionRepo) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
