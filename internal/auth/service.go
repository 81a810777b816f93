// Package auth はGoogleフェデレーション、セッショントークン、サーバー側セッションを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hitoshi/profrate/internal/model"
	"github.com/hitoshi/profrate/internal/repository"
)

// ProviderProfile は外部IdPから取得した検証済みのプロフィール。
type ProviderProfile struct {
	SubjectID    string
	Email        string
	FirstName    string
	HostedDomain string
}

// OAuthProvider は認可コードフローを提供するIdPのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はstateとPKCEのverifierに対応する同意画面URLを生成する。
	GetLoginURL(state, verifier string) string
	// ExchangeCode は認可コードを交換し、検証済みプロフィールを返す。
	ExchangeCode(ctx context.Context, code, verifier string) (*ProviderProfile, error)
}

// ProfileSanitizer はプロフィール文字列からマークアップを除去する。
type ProfileSanitizer interface {
	Sanitize(value string) string
}

// UserMetrics はユーザー作成の計測インターフェース。
type UserMetrics interface {
	RecordUserCreated()
}

// Principal は検証済みセッショントークンから得た認証主体。
type Principal struct {
	UserID    string
	FirstName string
	Role      string
	SessionID string
}

// IssuedSession はログイン成功時に発行したトークンとサーバー側セッション。
// サーバー側セッションが無効の場合、SessionとSignedSessionIDはゼロ値になる。
type IssuedSession struct {
	Token           string
	TokenExpiresAt  time.Time
	Session         *model.Session
	SignedSessionID string
}

// ServiceDeps はServiceの依存関係。
type ServiceDeps struct {
	Provider  OAuthProvider
	Users     repository.UserRepository
	Sessions  *SessionManager
	Tokens    *TokenManager
	Sanitizer ProfileSanitizer
	// Metrics は省略可能。
	Metrics UserMetrics
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	provider  OAuthProvider
	users     repository.UserRepository
	sessions  *SessionManager
	tokens    *TokenManager
	sanitizer ProfileSanitizer
	metrics   UserMetrics
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps) *Service {
	return &Service{
		provider:  deps.Provider,
		users:     deps.Users,
		sessions:  deps.Sessions,
		tokens:    deps.Tokens,
		sanitizer: deps.Sanitizer,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
}

// NewFederationSecrets はフェデレーション往復用のstateとPKCEのverifierを生成する。
func NewFederationSecrets() (state, verifier string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), oauth2.GenerateVerifier(), nil
}

// BeginFederation はIdPの同意画面URLを返す。
func (s *Service) BeginFederation(state, verifier string) string {
	return s.provider.GetLoginURL(state, verifier)
}

// CompleteFederation は認可コードを交換し、対応するユーザーレコードを取得または作成する。
// IdPとの交換に失敗した場合は*model.FederationError、永続化に失敗した場合は*model.StoreErrorを返す。
func (s *Service) CompleteFederation(ctx context.Context, code, verifier string) (*model.User, error) {
	if code == "" {
		return nil, &model.FederationError{Reason: "missing_code"}
	}

	profile, err := s.provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, &model.FederationError{Reason: "exchange_failed", Err: err}
	}
	if profile == nil || profile.SubjectID == "" {
		return nil, &model.FederationError{Reason: "missing_subject"}
	}

	return s.findOrCreateUser(ctx, profile)
}

// findOrCreateUser はsubject IDでユーザーを検索し、なければ作成する。
// 並行作成で一意制約に衝突した場合は勝者のレコードを再取得して返す。
func (s *Service) findOrCreateUser(ctx context.Context, profile *ProviderProfile) (*model.User, error) {
	existing, err := s.users.FindByProviderSubjectID(ctx, profile.SubjectID)
	if err != nil {
		return nil, &model.StoreError{Op: "find_user", Err: err}
	}
	if existing != nil {
		slog.Info("existing user logged in",
			slog.String("user_id", existing.ID),
		)
		return existing, nil
	}

	user := &model.User{
		ID:                uuid.NewString(),
		ProviderSubjectID: profile.SubjectID,
		Email:             profile.Email,
		FirstName:         s.sanitize(profile.FirstName),
		Affiliation:       s.affiliationOf(profile),
		CreatedAt:         s.now().UTC(),
	}

	err = s.users.Create(ctx, user)
	if errors.Is(err, model.ErrDuplicateSubject) {
		winner, err := s.users.FindByProviderSubjectID(ctx, profile.SubjectID)
		if err != nil {
			return nil, &model.StoreError{Op: "find_user", Err: err}
		}
		if winner == nil {
			return nil, &model.StoreError{Op: "find_user", Err: errors.New("duplicate subject reported but no record found")}
		}
		slog.Info("existing user logged in after concurrent create",
			slog.String("user_id", winner.ID),
		)
		return winner, nil
	}
	if err != nil {
		return nil, &model.StoreError{Op: "create_user", Err: err}
	}

	if s.metrics != nil {
		s.metrics.RecordUserCreated()
	}
	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("affiliation", user.Affiliation),
	)
	return user, nil
}

func (s *Service) sanitize(value string) string {
	if s.sanitizer == nil {
		return strings.TrimSpace(value)
	}
	return s.sanitizer.Sanitize(value)
}

// affiliationOf はGoogle Workspaceのホストドメインを所属とし、なければ"unknown"を返す。
func (s *Service) affiliationOf(profile *ProviderProfile) string {
	hd := strings.ToLower(s.sanitize(profile.HostedDomain))
	if hd == "" {
		return model.AffiliationUnknown
	}
	return hd
}

// IssueSession はユーザーのサーバー側セッション（有効時）とセッショントークンを発行する。
func (s *Service) IssueSession(ctx context.Context, user *model.User) (*IssuedSession, error) {
	issued := &IssuedSession{}

	if s.sessions.Enabled() {
		session, err := s.sessions.Create(ctx, user.ID)
		if err != nil {
			return nil, &model.StoreError{Op: "create_session", Err: err}
		}
		issued.Session = session
		issued.SignedSessionID = s.sessions.SignID(session.ID)
	}

	var sid string
	if issued.Session != nil {
		sid = issued.Session.ID
	}
	token, exp, err := s.tokens.Issue(user, sid)
	if err != nil {
		// トークンを返せないセッションは残さない
		if derr := s.sessions.Destroy(ctx, sid); derr != nil {
			slog.Warn("failed to destroy orphan session", slog.String("error", derr.Error()))
		}
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}
	issued.Token = token
	issued.TokenExpiresAt = exp

	return issued, nil
}

// Authenticate はセッショントークンを検証して認証主体を返す。
// トークンが正準であり、sidを含みサーバー側セッションが有効な場合は
// そのセッションが存在し、期限内で、同一ユーザーのものであることも要求する。
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*Principal, error) {
	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		return nil, err
	}

	if claims.SessionID != "" && s.sessions.Enabled() {
		session, err := s.sessions.Lookup(ctx, claims.SessionID)
		if err != nil {
			return nil, err
		}
		if session.UserID != claims.UserID {
			return nil, model.ErrSessionNotFound
		}
	}

	return &Principal{
		UserID:    claims.UserID,
		FirstName: claims.FirstName,
		Role:      claims.Role,
		SessionID: claims.SessionID,
	}, nil
}

// CurrentUser はユーザーレコードを取得する。存在しない場合はnilを返す。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, &model.StoreError{Op: "find_user", Err: err}
	}
	return user, nil
}

// ResolveSessionID はログアウト対象のサーバー側セッションIDを決定する。
// 署名付きセッションCookieを優先し、なければ検証済みトークンのsidを使用する。
func (s *Service) ResolveSessionID(signedCookie, rawToken string) string {
	if !s.sessions.Enabled() {
		return ""
	}
	if signedCookie != "" {
		if id, ok := s.sessions.VerifySignedID(signedCookie); ok {
			return id
		}
	}
	if rawToken != "" {
		if claims, err := s.tokens.Verify(rawToken); err == nil {
			return claims.SessionID
		}
	}
	return ""
}

// Logout はサーバー側セッションを破棄する。
// 破棄に失敗した場合は*model.LogoutErrorを返す。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" || !s.sessions.Enabled() {
		return nil
	}

	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		return &model.LogoutError{SessionID: sessionID, Err: err}
	}

	slog.Info("user logged out")
	return nil
}

// LogoutAll は検証済みトークンの持ち主の全サーバー側セッションを破棄する。
// トークンが不正な場合やセッションが無効な場合は何もしない。
func (s *Service) LogoutAll(ctx context.Context, rawToken string) error {
	if rawToken == "" || !s.sessions.Enabled() {
		return nil
	}
	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		return nil
	}

	if err := s.sessions.DestroyAll(ctx, claims.UserID); err != nil {
		return &model.LogoutError{UserID: claims.UserID, Err: err}
	}

	slog.Info("user logged out from all sessions", slog.String("user_id", claims.UserID))
	return nil
}

// SessionsEnabled はサーバー側セッションが有効かを返す。
func (s *Service) SessionsEnabled() bool {
	return s.sessions.Enabled()
}

// TokenTTL はセッショントークンの有効期間を返す。
func (s *Service) TokenTTL() time.Duration {
	return s.tokens.TTL()
}
