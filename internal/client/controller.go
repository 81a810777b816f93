// Package client はprofrate認証APIを利用するクライアント側の認証状態コントローラーを提供する。
// ナビゲーションバーのログイン導線が保持する「現在のユーザー」と「ログインモーダルの開閉」を管理する。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/profrate/internal/model"
	"github.com/hitoshi/profrate/internal/security"
)

// redirectPathCookie はログイン後の戻り先を保持するCookieの名前。
const redirectPathCookie = "redirectPath"

// ErrUnexpectedStatus はAPIが想定外のステータスを返したことを表す。
var ErrUnexpectedStatus = errors.New("unexpected status from auth API")

// Navigator はブラウザの画面遷移を抽象化する。
type Navigator interface {
	Navigate(target string)
	Reload()
}

// State はクライアントの認証状態。
type State struct {
	// User はサーバーが返した現在のユーザー。未ログインの場合はnil。
	User *model.User
	// LoginOpen はログインモーダルが開いているか。
	LoginOpen bool
}

// Config はControllerの設定。
type Config struct {
	// APIBaseURL は認証APIのオリジン（例: http://localhost:8080）。
	APIBaseURL string
	// LandingURL はログアウト後の遷移先。省略時はAPIBaseURLの"/"。
	LandingURL string
	// HTTPClient は省略可能。指定した場合もCookieJarとリダイレクト方針は上書きする。
	HTTPClient *http.Client
	Navigator  Navigator
	Logger     *slog.Logger
}

// Controller はクライアント側の認証状態を保持し、ログイン・ログアウト操作を仲介する。
type Controller struct {
	base    *url.URL
	landing string
	http    *http.Client
	nav     Navigator
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	observers map[int]func(State)
	nextID    int
}

// New はControllerを生成する。
func New(cfg Config) (*Controller, error) {
	base, err := url.Parse(cfg.APIBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL: %q", cfg.APIBaseURL)
	}
	if cfg.Navigator == nil {
		return nil, errors.New("navigator is required")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	hc := &http.Client{Timeout: 10 * time.Second}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	hc.Jar = jar
	// /profileの302を「未ログイン」として読むため、リダイレクトは追わない
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	landing := cfg.LandingURL
	if landing == "" {
		landing = base.ResolveReference(&url.URL{Path: "/"}).String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		base:      base,
		landing:   landing,
		http:      hc,
		nav:       cfg.Navigator,
		logger:    logger,
		observers: make(map[int]func(State)),
	}, nil
}

// State は現在の認証状態のスナップショットを返す。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe は状態変化の通知先を登録し、登録解除関数を返す。
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// TriggerLogin はログインモーダルを開く。
func (c *Controller) TriggerLogin() {
	c.update(func(s *State) { s.LoginOpen = true })
}

// DismissLogin はログインモーダルを閉じる。
func (c *Controller) DismissLogin() {
	c.update(func(s *State) { s.LoginOpen = false })
}

// TriggerGoogleLogin はフェデレーション開始ルートへ遷移する。
// returnPathがサイト内パスであれば、ログイン後の戻り先として保存する。
func (c *Controller) TriggerGoogleLogin(returnPath string) {
	target := c.endpoint("/google")

	if path, ok := security.SafeRedirectPath(returnPath); ok {
		c.http.Jar.SetCookies(c.base, []*http.Cookie{{
			Name:  redirectPathCookie,
			Value: path,
			Path:  "/",
		}})
		q := url.Values{}
		q.Set("redirectPath", path)
		target += "?" + q.Encode()
	}

	c.nav.Navigate(target)
}

// Refresh は/profileを問い合わせて現在のユーザーを更新する。
// 未ログイン（302または401）の場合はユーザーをnilにする。
func (c *Controller) Refresh(ctx context.Context) error {
	resp, err := c.get(ctx, "/profile")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var user model.User
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return fmt.Errorf("failed to decode profile: %w", err)
		}
		c.setUser(&user)
		return nil
	case http.StatusFound, http.StatusSeeOther, http.StatusUnauthorized:
		c.setUser(nil)
		return nil
	default:
		return fmt.Errorf("%w: GET /profile returned %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

// TriggerLogout はログアウトを実行し、成功したらユーザーを破棄してランディングへ遷移・再読み込みする。
// 失敗した場合はログに記録してエラーを返し、遷移しない。
func (c *Controller) TriggerLogout(ctx context.Context) error {
	resp, err := c.get(ctx, "/logout")
	if err != nil {
		c.logger.Error("logout failed", slog.String("error", err.Error()))
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: GET /logout returned %d", ErrUnexpectedStatus, resp.StatusCode)
		c.logger.Error("logout failed", slog.String("error", err.Error()))
		return err
	}

	c.update(func(s *State) {
		s.User = nil
		s.LoginOpen = false
	})
	c.nav.Navigate(c.landing)
	c.nav.Reload()
	return nil
}

// setUser はユーザーを更新する。nilから非nilへ変わった場合はログインモーダルを閉じる。
func (c *Controller) setUser(user *model.User) {
	c.update(func(s *State) {
		if s.User == nil && user != nil {
			s.LoginOpen = false
		}
		s.User = user
	})
}

// update は状態を変更し、変化があれば購読者へ通知する。
// 通知はロックの外で行う。
func (c *Controller) update(mutate func(*State)) {
	c.mu.Lock()
	prev := c.state
	mutate(&c.state)
	next := c.state
	var fns []func(State)
	if prev != next {
		fns = make([]func(State), 0, len(c.observers))
		for _, fn := range c.observers {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

func (c *Controller) endpoint(path string) string {
	return c.base.ResolveReference(&url.URL{Path: path}).String()
}

func (c *Controller) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", path, err)
	}
	return resp, nil
}
