// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/profrate/internal/auth"
	"github.com/hitoshi/profrate/internal/metrics"
	"github.com/hitoshi/profrate/internal/middleware"
	"github.com/hitoshi/profrate/internal/model"
	"github.com/hitoshi/profrate/internal/security"
)

const (
	oauthStateCookie   = "oauth_state"
	oauthPKCECookie    = "oauth_pkce"
	redirectPathCookie = "redirectPath"

	// federationCookieMaxAge はフェデレーション往復用Cookieの有効期間（秒）。
	federationCookieMaxAge = 600
	// federationCookiePath は/googleと/google/callbackにだけ送られるパス。
	federationCookiePath = "/google"
)

// AuthService は認証ハンドラーが必要とするサービスインターフェース。
type AuthService interface {
	BeginFederation(state, verifier string) string
	CompleteFederation(ctx context.Context, code, verifier string) (*model.User, error)
	IssueSession(ctx context.Context, user *model.User) (*auth.IssuedSession, error)
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
	ResolveSessionID(signedCookie, rawToken string) string
	Logout(ctx context.Context, sessionID string) error
	LogoutAll(ctx context.Context, rawToken string) error
}

// AuthMetrics は認証ハンドラーが記録するメトリクス。
type AuthMetrics interface {
	RecordFederationStarted()
	RecordFederationCompleted(result string)
	RecordSessionIssued()
	RecordLogout(result string)
	RecordProfileRequest(result string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendOrigin      string
	FailureRedirectPath string
	CookieDomain        string
	CookieSecure        bool
	// Policy は/profileでユーザーレコードが見つからない場合の応答に使う。
	Policy middleware.AuthPolicy
}

// AuthHandler はGoogleフェデレーションとセッション関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthService
	metrics AuthMetrics
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, m AuthMetrics, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		metrics: m,
		config:  config,
		now:     time.Now,
	}
}

// Google はGoogleフェデレーションを開始する。
// GET /google[?redirectPath=/path]
func (h *AuthHandler) Google(w http.ResponseWriter, r *http.Request) {
	state, verifier, err := auth.NewFederationSecrets()
	if err != nil {
		slog.Error("failed to generate federation secrets", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.setFederationCookie(w, oauthStateCookie, state)
	h.setFederationCookie(w, oauthPKCECookie, verifier)

	if raw := r.URL.Query().Get("redirectPath"); raw != "" {
		if path, ok := security.SafeRedirectPath(raw); ok {
			http.SetCookie(w, &http.Cookie{
				Name:     redirectPathCookie,
				Value:    path,
				Path:     "/",
				Domain:   h.config.CookieDomain,
				MaxAge:   federationCookieMaxAge,
				HttpOnly: true,
				Secure:   h.config.CookieSecure,
				SameSite: http.SameSiteLaxMode,
			})
		} else {
			slog.Warn("ignoring unsafe redirect path", slog.String("redirect_path", raw))
		}
	}

	h.metrics.RecordFederationStarted()
	http.Redirect(w, r, h.service.BeginFederation(state, verifier), http.StatusFound)
}

// Callback はGoogleからのコールバックを処理する。
// GET /google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// 1. 往復用Cookieは結果にかかわらず一度きり
	stateCookie, _ := r.Cookie(oauthStateCookie)
	pkceCookie, _ := r.Cookie(oauthPKCECookie)
	h.clearFederationCookie(w, oauthStateCookie)
	h.clearFederationCookie(w, oauthPKCECookie)

	// 2. 利用者による拒否・IdP側のエラー
	if providerErr := q.Get("error"); providerErr != "" {
		slog.Warn("federation denied by provider", slog.String("error", providerErr))
		h.failFederation(w, r, metrics.ResultDenied)
		return
	}

	// 3. stateの検証（CSRF対策）
	state := q.Get("state")
	if stateCookie == nil || pkceCookie == nil || state == "" ||
		subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch")
		h.failFederation(w, r, metrics.ResultInvalidState)
		return
	}

	// 4. 認可コードの交換とユーザーの解決
	user, err := h.service.CompleteFederation(r.Context(), q.Get("code"), pkceCookie.Value)
	if err != nil {
		if model.IsFederationError(err) {
			slog.Warn("federation failed", slog.String("error", err.Error()))
			h.failFederation(w, r, metrics.ResultExchangeFailed)
			return
		}
		slog.Error("failed to resolve user", slog.String("error", err.Error()))
		h.metrics.RecordFederationCompleted(metrics.ResultStoreError)
		middleware.WriteInternalServerError(w)
		return
	}

	// 5. セッションの発行
	issued, err := h.service.IssueSession(r.Context(), user)
	if err != nil {
		slog.Error("failed to issue session",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		h.metrics.RecordFederationCompleted(metrics.ResultStoreError)
		middleware.WriteInternalServerError(w)
		return
	}

	now := h.now()
	http.SetCookie(w, h.sessionCookie(middleware.TokenCookieName, issued.Token, maxAgeUntil(issued.TokenExpiresAt, now)))
	if issued.Session != nil {
		http.SetCookie(w, h.sessionCookie(middleware.SessionCookieName, issued.SignedSessionID, maxAgeUntil(issued.Session.ExpiresAt, now)))
	}
	h.metrics.RecordSessionIssued()
	h.metrics.RecordFederationCompleted(metrics.ResultSuccess)

	// 6. 戻り先へリダイレクト（redirectPathは一度きり）
	target := "/"
	if c, err := r.Cookie(redirectPathCookie); err == nil {
		if path, ok := security.SafeRedirectPath(c.Value); ok {
			target = path
		}
		h.clearRedirectPathCookie(w)
	}

	slog.Info("session issued", slog.String("user_id", user.ID))
	http.Redirect(w, r, h.config.FrontendOrigin+target, http.StatusFound)
}

// Logout はサーバー側セッションを破棄し、セッションCookieをクリアする。
// ?all=1 の場合は同じユーザーの全セッションを破棄する。
// GET /logout, POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var signed string
	if c, err := r.Cookie(middleware.SessionCookieName); err == nil {
		signed = c.Value
	}
	rawToken := middleware.TokenFromRequest(r)
	sessionID := h.service.ResolveSessionID(signed, rawToken)

	err := h.service.Logout(r.Context(), sessionID)
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		err = errors.Join(err, h.service.LogoutAll(r.Context(), rawToken))
	}

	// 破棄の成否にかかわらずCookieはクリアする
	http.SetCookie(w, h.sessionCookie(middleware.SessionCookieName, "", -1))
	http.SetCookie(w, h.sessionCookie(middleware.TokenCookieName, "", -1))

	if err != nil {
		slog.Error("failed to logout", slog.String("error", err.Error()))
		h.metrics.RecordLogout(metrics.ResultFailure)
		middleware.WriteInternalServerError(w)
		return
	}

	h.metrics.RecordLogout(metrics.ResultSuccess)
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Profile は認証済みユーザーのユーザーレコードを返す。
// GET /profile（認証ミドルウェアの内側に配置する）
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	if !middleware.IsAuthenticated(r) {
		h.metrics.RecordProfileRequest(metrics.ResultUnauthorized)
		middleware.DenyUnauthenticated(w, r, h.config.Policy)
		return
	}
	principal, _ := middleware.PrincipalFromContext(r.Context())
	userID := principal.UserID

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		slog.Error("failed to get current user",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		h.metrics.RecordProfileRequest(metrics.ResultFailure)
		middleware.WriteInternalServerError(w)
		return
	}
	if user == nil {
		// トークンは有効だがレコードが消えている
		h.metrics.RecordProfileRequest(metrics.ResultUnauthorized)
		middleware.DenyUnauthenticated(w, r, h.config.Policy)
		return
	}

	h.metrics.RecordProfileRequest(metrics.ResultSuccess)
	middleware.WriteJSON(w, http.StatusOK, user)
}

// failFederation はフェデレーション失敗を記録し、失敗用の戻り先へリダイレクトする。
func (h *AuthHandler) failFederation(w http.ResponseWriter, r *http.Request, result string) {
	h.metrics.RecordFederationCompleted(result)
	h.clearRedirectPathCookie(w)
	http.Redirect(w, r, h.config.FrontendOrigin+h.config.FailureRedirectPath, http.StatusFound)
}

func (h *AuthHandler) setFederationCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     federationCookiePath,
		MaxAge:   federationCookieMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearFederationCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     federationCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearRedirectPathCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     redirectPathCookie,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionCookie はtokenとsession_idに共通の属性を持つCookieを返す。
// 発行とクリアで属性を揃えないとブラウザが削除しない。
func (h *AuthHandler) sessionCookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

// maxAgeUntil は期限までの秒数を返す。期限切れの場合は-1を返す。
func maxAgeUntil(exp, now time.Time) int {
	secs := int(exp.Sub(now) / time.Second)
	if secs <= 0 {
		return -1
	}
	return secs
}
