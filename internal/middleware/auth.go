// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/profrate/internal/auth"
	"github.com/hitoshi/profrate/internal/model"
)

const (
	// TokenCookieName はセッショントークンを保持するCookieの名前。
	TokenCookieName = "token"
	// SessionCookieName は署名付きサーバー側セッションIDを保持するCookieの名前。
	SessionCookieName = "session_id"
)

// 未認証アクセス時の応答モード
const (
	PolicyRedirect = "redirect"
	PolicyStatus   = "status"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// Authenticator はセッショントークンを検証するインターフェース。
// auth.Serviceの部分集合として定義する。
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (*auth.Principal, error)
}

// AuthPolicy は未認証アクセス時の振る舞い。
type AuthPolicy struct {
	// Mode はPolicyRedirectまたはPolicyStatus。
	Mode string
	// LoginPath はPolicyRedirect時のリダイレクト先。
	LoginPath string
}

// NewAuthMiddleware はセッショントークンを検証し、認証主体をコンテキストに注入するミドルウェアを返す。
// トークンはtoken Cookie、次にAuthorization: Bearerヘッダーの順に読み取る。
// 未認証の場合はpolicyに従いリダイレクトまたは401を返す。
// ストアの障害時は500を返す。
func NewAuthMiddleware(authenticator Authenticator, policy AuthPolicy) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := TokenFromRequest(r)
			if raw == "" {
				denyUnauthenticated(w, r, policy)
				return
			}

			principal, err := authenticator.Authenticate(r.Context(), raw)
			if err != nil {
				if model.IsStoreError(err) {
					slog.Error("failed to verify session",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				if !errors.Is(err, model.ErrInvalidToken) && !errors.Is(err, model.ErrSessionNotFound) {
					slog.Warn("unexpected authentication error",
						slog.String("error", err.Error()),
					)
				}
				denyUnauthenticated(w, r, policy)
				return
			}

			setLoggedUserID(r.Context(), principal.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// TokenFromRequest はリクエストからセッショントークンを取り出す。見つからない場合は空文字列を返す。
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(TokenCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// DenyUnauthenticated はpolicyに従って未認証レスポンスを書き込む。
// 認証主体は得られたがユーザーレコードが消えている場合にハンドラーからも使う。
func DenyUnauthenticated(w http.ResponseWriter, r *http.Request, policy AuthPolicy) {
	denyUnauthenticated(w, r, policy)
}

func denyUnauthenticated(w http.ResponseWriter, r *http.Request, policy AuthPolicy) {
	if policy.Mode == PolicyRedirect {
		loginPath := policy.LoginPath
		if loginPath == "" {
			loginPath = "/google"
		}
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}
	WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}

// PrincipalFromContext はリクエストコンテキストから認証主体を取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*auth.Principal)
	return p, ok && p != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return p.UserID, nil
}

// ContextWithPrincipal はコンテキストに認証主体を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// IsAuthenticated はリクエストがユーザーIDを持つ認証主体を伴うかを返す。
func IsAuthenticated(r *http.Request) bool {
	p, ok := PrincipalFromContext(r.Context())
	return ok && p.UserID != ""
}
