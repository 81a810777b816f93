package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/profrate/internal/model"
	"github.com/hitoshi/profrate/internal/repository"
)

// SessionManager はサーバー側セッションの作成・参照・破棄を行う。
// リポジトリがnilの場合は無効として振る舞い、セッションを作成しない。
// Cookieに載せるセッションIDはSESSION_SECRETによるHMAC-SHA256で署名する。
type SessionManager struct {
	repo   repository.SessionRepository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(repo repository.SessionRepository, secret string, ttl time.Duration) *SessionManager {
	return &SessionManager{
		repo:   repo,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Enabled はサーバー側セッションが有効かを返す。
func (m *SessionManager) Enabled() bool {
	return m != nil && m.repo != nil
}

// TTL はセッションの有効期間を返す。
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Create はユーザーの新しいセッションを作成し永続化する。
func (m *SessionManager) Create(ctx context.Context, userID string) (*model.Session, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("server sessions are disabled")
	}

	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	session := &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}
	if err := m.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// Lookup は有効なセッションを取得する。
// 存在しないか期限切れの場合はmodel.ErrSessionNotFoundを返す。
func (m *SessionManager) Lookup(ctx context.Context, id string) (*model.Session, error) {
	if !m.Enabled() || id == "" {
		return nil, model.ErrSessionNotFound
	}

	session, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, &model.StoreError{Op: "find_session", Err: err}
	}
	if session == nil || session.Expired(m.now()) {
		return nil, model.ErrSessionNotFound
	}
	return session, nil
}

// Destroy はセッションを削除する。無効時や空IDの場合は何もしない。
func (m *SessionManager) Destroy(ctx context.Context, id string) error {
	if !m.Enabled() || id == "" {
		return nil
	}
	if err := m.repo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DestroyAll はユーザーの全セッションを削除する。
func (m *SessionManager) DestroyAll(ctx context.Context, userID string) error {
	if !m.Enabled() || userID == "" {
		return nil
	}
	if err := m.repo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// PurgeExpired は期限切れのセッションを削除し、削除件数を返す。
func (m *SessionManager) PurgeExpired(ctx context.Context) (int64, error) {
	if !m.Enabled() {
		return 0, nil
	}
	return m.repo.DeleteExpired(ctx, m.now())
}

// SignID はCookieに格納する "<id>.<mac>" 形式の値を生成する。
func (m *SessionManager) SignID(id string) string {
	return id + "." + m.mac(id)
}

// VerifySignedID はSignIDで生成した値を検証し、セッションIDを返す。
func (m *SessionManager) VerifySignedID(value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 || i == len(value)-1 {
		return "", false
	}
	id, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(m.mac(id))) {
		return "", false
	}
	return id, true
}

func (m *SessionManager) mac(id string) string {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
