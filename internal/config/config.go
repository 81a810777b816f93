package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// セッションストアの種別
const (
	SessionStoreDatabase = "database"
	SessionStoreRedis    = "redis"
	SessionStoreMemory   = "memory"
	SessionStoreNone     = "none"
)

// 未認証アクセス時の振る舞い
const (
	// UnauthenticatedRedirect は未認証アクセスをフェデレーション開始ルートへリダイレクトする。
	UnauthenticatedRedirect = "redirect"
	// UnauthenticatedStatus は未認証アクセスに401を返す。APIクライアント向け。
	UnauthenticatedStatus = "status"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,notEmpty"`

	// OAuth
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID,notEmpty"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET,notEmpty"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL,notEmpty"`
	GoogleIssuerURL    string `env:"GOOGLE_ISSUER_URL" envDefault:"https://accounts.google.com"`

	// Provider HTTP
	ProviderHTTPGuard   bool          `env:"PROVIDER_HTTP_GUARD" envDefault:"true"`
	ProviderHTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT" envDefault:"10s"`

	// Session token
	TokenSecret string        `env:"TOKEN_SECRET,notEmpty"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"1h"`

	// Server session
	SessionSecret          string        `env:"SESSION_SECRET,notEmpty"`
	SessionStore           string        `env:"SESSION_STORE" envDefault:"database"`
	SessionTTL             time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1h"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Frontend
	FrontendOrigin      string `env:"FRONTEND_ORIGIN" envDefault:"http://localhost:5173"`
	FailureRedirectPath string `env:"FAILURE_REDIRECT_PATH" envDefault:"/"`

	// Access guard
	UnauthenticatedPolicy string `env:"UNAUTHENTICATED_POLICY" envDefault:"redirect"`

	// Rate Limit（req/min/IP）
	RateLimitLogin int `env:"RATE_LIMIT_LOGIN" envDefault:"30"`

	// Server
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Cookie
	CookieDomain string `env:"COOKIE_DOMAIN"`
	CookieSecure bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("required environment variables are not set or invalid: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.FrontendOrigin = strings.TrimRight(cfg.FrontendOrigin, "/")
	cfg.CookieSecure = cfg.IsProduction()

	return cfg, nil
}

// IsProduction は本番環境として起動しているかを返す。
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// ServerSessionsEnabled はサーバー側セッションを併用するかを返す。
func (c *Config) ServerSessionsEnabled() bool {
	return c.SessionStore != SessionStoreNone
}

func (c *Config) validate() error {
	var errs []error

	switch c.SessionStore {
	case SessionStoreDatabase, SessionStoreRedis, SessionStoreMemory, SessionStoreNone:
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be one of database, redis, memory, none: %q", c.SessionStore))
	}

	switch c.UnauthenticatedPolicy {
	case UnauthenticatedRedirect, UnauthenticatedStatus:
	default:
		errs = append(errs, fmt.Errorf("UNAUTHENTICATED_POLICY must be redirect or status: %q", c.UnauthenticatedPolicy))
	}

	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_TTL must be positive: %s", c.TokenTTL))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be positive: %s", c.SessionTTL))
	}
	if c.RateLimitLogin <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_LOGIN must be positive: %d", c.RateLimitLogin))
	}
	if !strings.HasPrefix(c.FailureRedirectPath, "/") {
		errs = append(errs, fmt.Errorf("FAILURE_REDIRECT_PATH must start with '/': %q", c.FailureRedirectPath))
	}

	return errors.Join(errs...)
}
