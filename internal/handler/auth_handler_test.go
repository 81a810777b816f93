package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/profrate/internal/auth"
	"github.com/hitoshi/profrate/internal/metrics"
	"github.com/hitoshi/profrate/internal/middleware"
	"github.com/hitoshi/profrate/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	beginFederationFn    func(state, verifier string) string
	completeFederationFn func(ctx context.Context, code, verifier string) (*model.User, error)
	issueSessionFn       func(ctx context.Context, user *model.User) (*auth.IssuedSession, error)
	currentUserFn        func(ctx context.Context, userID string) (*model.User, error)
	resolveSessionIDFn   func(signedCookie, rawToken string) string
	logoutFn             func(ctx context.Context, sessionID string) error
	logoutAllFn          func(ctx context.Context, rawToken string) error
}

func (m *mockAuthService) BeginFederation(state, verifier string) string {
	if m.beginFederationFn != nil {
		return m.beginFederationFn(state, verifier)
	}
	return "https://accounts.google.com/o/oauth2/v2/auth?state=" + url.QueryEscape(state)
}

func (m *mockAuthService) CompleteFederation(ctx context.Context, code, verifier string) (*model.User, error) {
	if m.completeFederationFn != nil {
		return m.completeFederationFn(ctx, code, verifier)
	}
	return nil, nil
}

func (m *mockAuthService) IssueSession(ctx context.Context, user *model.User) (*auth.IssuedSession, error) {
	if m.issueSessionFn != nil {
		return m.issueSessionFn(ctx, user)
	}
	return &auth.IssuedSession{Token: "tok", TokenExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *mockAuthService) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if m.currentUserFn != nil {
		return m.currentUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockAuthService) ResolveSessionID(signedCookie, rawToken string) string {
	if m.resolveSessionIDFn != nil {
		return m.resolveSessionIDFn(signedCookie, rawToken)
	}
	return ""
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) LogoutAll(ctx context.Context, rawToken string) error {
	if m.logoutAllFn != nil {
		return m.logoutAllFn(ctx, rawToken)
	}
	return nil
}

var _ AuthService = (*mockAuthService)(nil)

// --- ヘルパー ---

func testHandlerConfig() AuthHandlerConfig {
	return AuthHandlerConfig{
		FrontendOrigin:      "http://localhost:5173",
		FailureRedirectPath: "/",
		Policy:              middleware.AuthPolicy{Mode: middleware.PolicyRedirect, LoginPath: "/google"},
	}
}

func newTestAuthHandler(svc AuthService) *AuthHandler {
	return NewAuthHandler(svc, metrics.NewCollector(prometheus.NewRegistry()), testHandlerConfig())
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// callbackRequest は往復用Cookieを持つコールバックリクエストを作る。
func callbackRequest(query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/google/callback?"+query, nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "state-1"})
	req.AddCookie(&http.Cookie{Name: oauthPKCECookie, Value: "verifier-1"})
	return req
}

var testUser = &model.User{
	ID:                "user-1",
	ProviderSubjectID: "g-123",
	Email:             "a@x.com",
	FirstName:         "Ann",
	Affiliation:       model.AffiliationUnknown,
}

// --- Google ---

func TestAuthHandler_Google_RedirectsToConsent(t *testing.T) {
	var gotState, gotVerifier string
	svc := &mockAuthService{
		beginFederationFn: func(state, verifier string) string {
			gotState, gotVerifier = state, verifier
			return "https://accounts.google.com/o/oauth2/v2/auth?state=" + state
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Google(w, httptest.NewRequest(http.MethodGet, "/google", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://accounts.google.com/") {
		t.Errorf("Location = %q, want Google consent URL", loc)
	}

	state := findCookie(resp, oauthStateCookie)
	if state == nil || state.Value != gotState || gotState == "" {
		t.Fatalf("oauth_state cookie = %+v, want %q", state, gotState)
	}
	if !state.HttpOnly || state.SameSite != http.SameSiteLaxMode || state.Path != "/google" {
		t.Errorf("oauth_state attributes = %+v", state)
	}
	pkce := findCookie(resp, oauthPKCECookie)
	if pkce == nil || pkce.Value != gotVerifier || gotVerifier == "" {
		t.Errorf("oauth_pkce cookie = %+v, want %q", pkce, gotVerifier)
	}
	if c := findCookie(resp, redirectPathCookie); c != nil {
		t.Errorf("redirectPath cookie should not be set without query, got %+v", c)
	}
}

func TestAuthHandler_Google_StoresSafeRedirectPath(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Google(w, httptest.NewRequest(http.MethodGet, "/google?redirectPath=%2Fcourses%2F42", nil))

	c := findCookie(w.Result(), redirectPathCookie)
	if c == nil || c.Value != "/courses/42" {
		t.Errorf("redirectPath cookie = %+v, want /courses/42", c)
	}
}

func TestAuthHandler_Google_IgnoresUnsafeRedirectPath(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Google(w, httptest.NewRequest(http.MethodGet, "/google?redirectPath=%2F%2Fevil.example.com", nil))

	if c := findCookie(w.Result(), redirectPathCookie); c != nil {
		t.Errorf("unsafe redirectPath should be ignored, got %+v", c)
	}
	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
	}
}

// --- Callback ---

func TestAuthHandler_Callback_Success(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	var gotCode, gotVerifier string
	svc := &mockAuthService{
		completeFederationFn: func(ctx context.Context, code, verifier string) (*model.User, error) {
			gotCode, gotVerifier = code, verifier
			return testUser, nil
		},
		issueSessionFn: func(ctx context.Context, user *model.User) (*auth.IssuedSession, error) {
			return &auth.IssuedSession{
				Token:           "jwt-token",
				TokenExpiresAt:  exp,
				Session:         &model.Session{ID: "sid-1", UserID: user.ID, ExpiresAt: exp.Add(23 * time.Hour)},
				SignedSessionID: "sid-1.mac",
			}, nil
		},
	}
	h := newTestAuthHandler(svc)

	req := callbackRequest("code=auth-code&state=state-1")
	req.AddCookie(&http.Cookie{Name: redirectPathCookie, Value: "/courses/42"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "http://localhost:5173/courses/42" {
		t.Errorf("Location = %q, want http://localhost:5173/courses/42", loc)
	}
	if gotCode != "auth-code" || gotVerifier != "verifier-1" {
		t.Errorf("CompleteFederation(code=%q, verifier=%q)", gotCode, gotVerifier)
	}

	token := findCookie(resp, middleware.TokenCookieName)
	if token == nil || token.Value != "jwt-token" {
		t.Fatalf("token cookie = %+v", token)
	}
	if !token.HttpOnly || token.SameSite != http.SameSiteStrictMode || token.Path != "/" {
		t.Errorf("token cookie attributes = %+v", token)
	}
	if token.MaxAge <= 0 || token.MaxAge > 3600 {
		t.Errorf("token MaxAge = %d, want (0, 3600]", token.MaxAge)
	}

	sess := findCookie(resp, middleware.SessionCookieName)
	if sess == nil || sess.Value != "sid-1.mac" {
		t.Errorf("session_id cookie = %+v", sess)
	}

	if c := findCookie(resp, redirectPathCookie); c == nil || c.MaxAge >= 0 {
		t.Errorf("redirectPath cookie should be cleared, got %+v", c)
	}
	if c := findCookie(resp, oauthStateCookie); c == nil || c.MaxAge >= 0 {
		t.Errorf("oauth_state cookie should be cleared, got %+v", c)
	}
}

func TestAuthHandler_Callback_DefaultsToRoot(t *testing.T) {
	svc := &mockAuthService{
		completeFederationFn: func(ctx context.Context, code, verifier string) (*model.User, error) {
			return testUser, nil
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("code=c&state=state-1"))

	if loc := w.Header().Get("Location"); loc != "http://localhost:5173/" {
		t.Errorf("Location = %q, want http://localhost:5173/", loc)
	}
	// サーバー側セッション無効時はsession_id Cookieを発行しない
	if c := findCookie(w.Result(), middleware.SessionCookieName); c != nil {
		t.Errorf("session_id cookie should not be set, got %+v", c)
	}
}

func TestAuthHandler_Callback_FailureRedirects(t *testing.T) {
	tests := []struct {
		name    string
		req     func() *http.Request
		svcErr  error
		wantHit bool
	}{
		{
			name: "provider denied",
			req:  func() *http.Request { return callbackRequest("error=access_denied&state=state-1") },
		},
		{
			name: "state mismatch",
			req:  func() *http.Request { return callbackRequest("code=c&state=forged") },
		},
		{
			name: "missing state cookie",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/google/callback?code=c&state=state-1", nil)
			},
		},
		{
			name:    "exchange failed",
			req:     func() *http.Request { return callbackRequest("code=c&state=state-1") },
			svcErr:  &model.FederationError{Reason: "exchange_failed", Err: errors.New("invalid_grant")},
			wantHit: true,
		},
		{
			name:    "missing code",
			req:     func() *http.Request { return callbackRequest("state=state-1") },
			svcErr:  &model.FederationError{Reason: "missing_code"},
			wantHit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hit := false
			svc := &mockAuthService{
				completeFederationFn: func(ctx context.Context, code, verifier string) (*model.User, error) {
					hit = true
					return nil, tt.svcErr
				},
				issueSessionFn: func(ctx context.Context, user *model.User) (*auth.IssuedSession, error) {
					t.Error("IssueSession should not be called on failure")
					return nil, nil
				},
			}
			h := newTestAuthHandler(svc)

			w := httptest.NewRecorder()
			h.Callback(w, tt.req())

			resp := w.Result()
			if resp.StatusCode != http.StatusFound {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
			}
			if loc := resp.Header.Get("Location"); loc != "http://localhost:5173/" {
				t.Errorf("Location = %q, want failure path", loc)
			}
			if hit != tt.wantHit {
				t.Errorf("CompleteFederation called = %v, want %v", hit, tt.wantHit)
			}
			if c := findCookie(resp, middleware.TokenCookieName); c != nil {
				t.Errorf("token cookie must not be set on failure, got %+v", c)
			}
		})
	}
}

func TestAuthHandler_Callback_StoreErrorReturns500(t *testing.T) {
	svc := &mockAuthService{
		completeFederationFn: func(ctx context.Context, code, verifier string) (*model.User, error) {
			return nil, &model.StoreError{Op: "create_user", Err: errors.New("disk full")}
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("code=c&state=state-1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if strings.Contains(body.Message, "disk full") {
		t.Error("internal error details must not leak to the client")
	}
}

func TestAuthHandler_Callback_IssueSessionErrorReturns500(t *testing.T) {
	svc := &mockAuthService{
		completeFederationFn: func(ctx context.Context, code, verifier string) (*model.User, error) {
			return testUser, nil
		},
		issueSessionFn: func(ctx context.Context, user *model.User) (*auth.IssuedSession, error) {
			return nil, &model.StoreError{Op: "create_session", Err: errors.New("redis down")}
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("code=c&state=state-1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if c := findCookie(w.Result(), middleware.TokenCookieName); c != nil {
		t.Errorf("token cookie must not be set, got %+v", c)
	}
}

// --- Logout ---

func assertSessionCookiesCleared(t *testing.T, resp *http.Response) {
	t.Helper()
	for _, name := range []string{middleware.TokenCookieName, middleware.SessionCookieName} {
		c := findCookie(resp, name)
		if c == nil {
			t.Errorf("%s cookie should be cleared", name)
			continue
		}
		if c.MaxAge >= 0 || c.Value != "" {
			t.Errorf("%s cookie = %+v, want cleared", name, c)
		}
		if c.Path != "/" || !c.HttpOnly || c.SameSite != http.SameSiteStrictMode {
			t.Errorf("%s cookie attributes must match issuance: %+v", name, c)
		}
	}
}

func TestAuthHandler_Logout_Success(t *testing.T) {
	var destroyed string
	svc := &mockAuthService{
		resolveSessionIDFn: func(signedCookie, rawToken string) string {
			if signedCookie != "sid-1.mac" || rawToken != "jwt-token" {
				t.Errorf("ResolveSessionID(%q, %q)", signedCookie, rawToken)
			}
			return "sid-1"
		},
		logoutFn: func(ctx context.Context, sessionID string) error {
			destroyed = sessionID
			return nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sid-1.mac"})
	req.AddCookie(&http.Cookie{Name: middleware.TokenCookieName, Value: "jwt-token"})
	w := httptest.NewRecorder()

	h.Logout(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if destroyed != "sid-1" {
		t.Errorf("destroyed session = %q, want sid-1", destroyed)
	}
	assertSessionCookiesCleared(t, resp)

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["message"] != "logged out" {
		t.Errorf("message = %q, want %q", body["message"], "logged out")
	}
}

// TestAuthHandler_Logout_FailureStillClearsCookies はセッション破棄に失敗してもCookieがクリアされることを検証する。
func TestAuthHandler_Logout_FailureStillClearsCookies(t *testing.T) {
	svc := &mockAuthService{
		resolveSessionIDFn: func(signedCookie, rawToken string) string { return "sid-1" },
		logoutFn: func(ctx context.Context, sessionID string) error {
			return &model.LogoutError{SessionID: sessionID, Err: errors.New("connection reset")}
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/logout", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	assertSessionCookiesCleared(t, resp)
}

func TestAuthHandler_Logout_AllSessions(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantAllCall bool
	}{
		{"all=1で全セッション破棄", "?all=1", true},
		{"all=trueで全セッション破棄", "?all=true", true},
		{"指定なしは現在のセッションのみ", "", false},
		{"all=0は現在のセッションのみ", "?all=0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var allToken string
			called := false
			svc := &mockAuthService{
				logoutAllFn: func(ctx context.Context, rawToken string) error {
					called = true
					allToken = rawToken
					return nil
				},
			}
			h := newTestAuthHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/logout"+tt.query, nil)
			req.AddCookie(&http.Cookie{Name: middleware.TokenCookieName, Value: "jwt-token"})
			w := httptest.NewRecorder()
			h.Logout(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if called != tt.wantAllCall {
				t.Errorf("LogoutAll called = %v, want %v", called, tt.wantAllCall)
			}
			if tt.wantAllCall && allToken != "jwt-token" {
				t.Errorf("LogoutAll token = %q, want %q", allToken, "jwt-token")
			}
			assertSessionCookiesCleared(t, w.Result())
		})
	}
}

func TestAuthHandler_Logout_AllSessionsFailure(t *testing.T) {
	svc := &mockAuthService{
		logoutAllFn: func(ctx context.Context, rawToken string) error {
			return &model.LogoutError{UserID: "user-1", Err: errors.New("connection reset")}
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/logout?all=1", nil)
	req.AddCookie(&http.Cookie{Name: middleware.TokenCookieName, Value: "jwt-token"})
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	assertSessionCookiesCleared(t, w.Result())
}

func TestAuthHandler_Logout_AnonymousIsOK(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodGet, "/logout", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	assertSessionCookiesCleared(t, w.Result())
}

// --- Profile ---

func profileRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	if userID != "" {
		req = req.WithContext(middleware.ContextWithPrincipal(req.Context(), &auth.Principal{UserID: userID}))
	}
	return req
}

func TestAuthHandler_Profile_ReturnsUserRecord(t *testing.T) {
	svc := &mockAuthService{
		currentUserFn: func(ctx context.Context, userID string) (*model.User, error) {
			if userID != "user-1" {
				t.Errorf("CurrentUser(%q)", userID)
			}
			return testUser, nil
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Profile(w, profileRequest("user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got model.User
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if got.ID != "user-1" || got.ProviderSubjectID != "g-123" || got.FirstName != "Ann" || got.Affiliation != "unknown" {
		t.Errorf("profile = %+v", got)
	}
}

func TestAuthHandler_Profile_MissingRecordIsUnauthenticated(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Profile(w, profileRequest("deleted-user"))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "/google" {
		t.Errorf("Location = %q, want /google", loc)
	}
}

func TestAuthHandler_Profile_NoPrincipal(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Profile(w, profileRequest(""))

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
	}
}

func TestAuthHandler_Profile_PrincipalWithoutUserID(t *testing.T) {
	svc := &mockAuthService{
		currentUserFn: func(ctx context.Context, userID string) (*model.User, error) {
			t.Errorf("CurrentUser should not be called, got %q", userID)
			return nil, nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req = req.WithContext(middleware.ContextWithPrincipal(req.Context(), &auth.Principal{}))
	w := httptest.NewRecorder()
	h.Profile(w, req)

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
	}
}

func TestAuthHandler_Profile_StoreErrorReturns500(t *testing.T) {
	svc := &mockAuthService{
		currentUserFn: func(ctx context.Context, userID string) (*model.User, error) {
			return nil, &model.StoreError{Op: "find_user", Err: errors.New("timeout")}
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Profile(w, profileRequest("user-1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestMaxAgeUntil(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		exp  time.Time
		want int
	}{
		{now.Add(time.Hour), 3600},
		{now.Add(1500 * time.Millisecond), 1},
		{now, -1},
		{now.Add(-time.Minute), -1},
	}
	for _, tt := range tests {
		if got := maxAgeUntil(tt.exp, now); got != tt.want {
			t.Errorf("maxAgeUntil(%v) = %d, want %d", tt.exp.Sub(now), got, tt.want)
		}
	}
}
