package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/profrate/internal/auth"
	"github.com/hitoshi/profrate/internal/config"
	"github.com/hitoshi/profrate/internal/database"
	"github.com/hitoshi/profrate/internal/handler"
	"github.com/hitoshi/profrate/internal/logger"
	"github.com/hitoshi/profrate/internal/metrics"
	"github.com/hitoshi/profrate/internal/middleware"
	"github.com/hitoshi/profrate/internal/repository"
	"github.com/hitoshi/profrate/internal/security"
	"github.com/hitoshi/profrate/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("session_store", cfg.SessionStore),
		slog.String("frontend_origin", cfg.FrontendOrigin),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// stores はユーザーとセッションの永続化先をまとめたもの。
type stores struct {
	db       *sql.DB
	redis    *redis.Client
	users    repository.UserRepository
	sessions repository.SessionRepository // SESSION_STORE=none の場合はnil
}

// Close は開いた接続をすべて閉じる。
func (s *stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// openStores はDATABASE_URLとSESSION_STOREに応じてリポジトリを初期化する。
// SQLiteは単一ファイルの開発用途のため、起動時にマイグレーションを適用する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	dialect, err := database.DialectOf(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &stores{db: db}

	if err := db.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established", slog.String("dialect", string(dialect)))

	switch dialect {
	case database.DialectSQLite:
		if err := database.MigrateSQLite(db); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
		}
		s.users = repository.NewSQLiteUserRepo(db)
	default:
		s.users = repository.NewPostgresUserRepo(db)
	}

	switch cfg.SessionStore {
	case config.SessionStoreDatabase:
		if dialect == database.DialectSQLite {
			s.sessions = repository.NewSQLiteSessionRepo(db)
		} else {
			s.sessions = repository.NewPostgresSessionRepo(db)
		}
	case config.SessionStoreRedis:
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
		s.sessions = repository.NewRedisSessionRepo(s.redis)
	case config.SessionStoreMemory:
		slog.Warn("using in-memory session store; sessions are lost on restart")
		s.sessions = repository.NewMemorySessionRepo()
	}

	return s, nil
}

// newSessionManager はSessionManagerを生成する。サーバー側セッション無効時はリポジトリなしで生成する。
func newSessionManager(cfg *config.Config, s *stores) *auth.SessionManager {
	if s.sessions == nil {
		return auth.NewSessionManager(nil, cfg.SessionSecret, cfg.SessionTTL)
	}
	return auth.NewSessionManager(s.sessions, cfg.SessionSecret, cfg.SessionTTL)
}

// newProviderHTTPClient はIdPとの通信に使うHTTPクライアントを返す。
// PROVIDER_HTTP_GUARDが有効な場合は発行者URLを静的に検証し、safeurlで宛先を制限する。
func newProviderHTTPClient(cfg *config.Config) (*http.Client, error) {
	if !cfg.ProviderHTTPGuard {
		return &http.Client{Timeout: cfg.ProviderHTTPTimeout}, nil
	}
	if err := security.ValidateProviderURL(cfg.GoogleIssuerURL); err != nil {
		return nil, fmt.Errorf("invalid GOOGLE_ISSUER_URL: %w", err)
	}
	return security.NewProviderHTTPClient(cfg.ProviderHTTPTimeout), nil
}

// newRegistry はプロセス・Goランタイムのメトリクスを含むレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// buildRouter は認証サービスとルーターを組み立てる。
// 返すRateLimiterはシャットダウン時にStopすること。
func buildRouter(cfg *config.Config, s *stores, provider auth.OAuthProvider, reg *prometheus.Registry) (http.Handler, *middleware.RateLimiter) {
	collector := metrics.NewCollector(reg)

	authService := auth.NewService(auth.ServiceDeps{
		Provider:  provider,
		Users:     s.users,
		Sessions:  newSessionManager(cfg, s),
		Tokens:    auth.NewTokenManager(cfg.TokenSecret, cfg.TokenTTL),
		Sanitizer: security.NewProfileSanitizer(),
		Metrics:   collector,
	})

	rateLimiter := middleware.NewRateLimiter(middleware.LoginRateLimiterConfig(cfg.RateLimitLogin), collector)

	policy := middleware.AuthPolicy{Mode: middleware.PolicyRedirect, LoginPath: "/google"}
	if cfg.UnauthenticatedPolicy == config.UnauthenticatedStatus {
		policy.Mode = middleware.PolicyStatus
	}

	deps := &handler.RouterDeps{
		Logger:        slog.Default(),
		HealthChecker: s.db,

		AuthService:   authService,
		Authenticator: authService,
		AuthConfig: handler.AuthHandlerConfig{
			FrontendOrigin:      cfg.FrontendOrigin,
			FailureRedirectPath: cfg.FailureRedirectPath,
			CookieDomain:        cfg.CookieDomain,
			CookieSecure:        cfg.CookieSecure,
			Policy:              policy,
		},

		CORSAllowedOrigin: cfg.FrontendOrigin,
		RateLimiter:       rateLimiter,
		HSTS:              cfg.IsProduction(),

		Metrics:  collector,
		Gatherer: reg,
	}

	return handler.NewRouter(deps), rateLimiter
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// 1. 永続化先
	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	// 2. IdP（OIDCディスカバリ）
	providerClient, err := newProviderHTTPClient(cfg)
	if err != nil {
		return err
	}
	discoveryCtx, cancelDiscovery := context.WithTimeout(ctx, cfg.ProviderHTTPTimeout)
	provider, err := auth.NewGoogleOAuthProvider(discoveryCtx, auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		IssuerURL:    cfg.GoogleIssuerURL,
		HTTPClient:   providerClient,
	})
	cancelDiscovery()
	if err != nil {
		return fmt.Errorf("failed to initialize identity provider: %w", err)
	}

	// 3. ルーター
	router, rateLimiter := buildRouter(cfg, s, provider, newRegistry())
	defer rateLimiter.Stop()

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップジョブを定期実行し、/metricsを公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.sessions == nil {
		slog.Warn("server sessions are disabled; cleanup job has nothing to purge")
	}

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	job := cleanup.NewCleanupJob(newSessionManager(cfg, s), collector, slog.Default())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.SessionCleanupInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", database.RedactURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
