// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// フェデレーション完了の結果ラベル
const (
	ResultSuccess        = "success"
	ResultDenied         = "denied"
	ResultInvalidState   = "invalid_state"
	ResultExchangeFailed = "exchange_failed"
	ResultStoreError     = "store_error"
	ResultFailure        = "failure"
	ResultUnauthorized   = "unauthenticated"
)

// AuthMetrics は認証フローのメトリクス収集インターフェース。
// ハンドラーやミドルウェア、サービス層から利用する。
type AuthMetrics interface {
	RecordFederationStarted()
	RecordFederationCompleted(result string)
	RecordUserCreated()
	RecordSessionIssued()
	RecordLogout(result string)
	RecordProfileRequest(result string)
	RecordRateLimited()
	RecordHTTPRequest(statusCode int, duration time.Duration)
	RecordSessionsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	federationStarted   prometheus.Counter
	federationCompleted *prometheus.CounterVec
	usersCreated        prometheus.Counter
	sessionsIssued      prometheus.Counter
	logouts             *prometheus.CounterVec
	profileRequests     *prometheus.CounterVec
	rateLimited         prometheus.Counter
	httpStatus          *prometheus.CounterVec
	requestLatency      prometheus.Histogram
	sessionsPurged      prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		federationStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profrate_federation_started_total",
			Help: "Googleログイン開始の合計数",
		}),
		federationCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profrate_federation_completed_total",
			Help: "Googleログインコールバックの結果別合計数",
		}, []string{"result"}),
		usersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profrate_users_created_total",
			Help: "新規作成されたユーザーレコードの合計数",
		}),
		sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profrate_sessions_issued_total",
			Help: "発行したセッションの合計数",
		}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profrate_logouts_total",
			Help: "ログアウトの結果別合計数",
		}, []string{"result"}),
		profileRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profrate_profile_requests_total",
			Help: "プロフィール取得の結果別合計数",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profrate_rate_limited_total",
			Help: "レート制限で拒否したリクエストの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profrate_http_requests_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "profrate_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profrate_sessions_purged_total",
			Help: "期限切れで削除したサーバー側セッションの合計数",
		}),
	}

	reg.MustRegister(
		c.federationStarted,
		c.federationCompleted,
		c.usersCreated,
		c.sessionsIssued,
		c.logouts,
		c.profileRequests,
		c.rateLimited,
		c.httpStatus,
		c.requestLatency,
		c.sessionsPurged,
	)

	return c
}

// RecordFederationStarted はログイン開始を記録する。
func (c *Collector) RecordFederationStarted() {
	c.federationStarted.Inc()
}

// RecordFederationCompleted はコールバックの結果を記録する。
func (c *Collector) RecordFederationCompleted(result string) {
	c.federationCompleted.WithLabelValues(result).Inc()
}

// RecordUserCreated は新規ユーザー作成を記録する。
func (c *Collector) RecordUserCreated() {
	c.usersCreated.Inc()
}

// RecordSessionIssued はセッション発行を記録する。
func (c *Collector) RecordSessionIssued() {
	c.sessionsIssued.Inc()
}

// RecordLogout はログアウトの結果を記録する。
func (c *Collector) RecordLogout(result string) {
	c.logouts.WithLabelValues(result).Inc()
}

// RecordProfileRequest はプロフィール取得の結果を記録する。
func (c *Collector) RecordProfileRequest(result string) {
	c.profileRequests.WithLabelValues(result).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// RecordHTTPRequest はHTTPステータスコードと処理時間を記録する。
func (c *Collector) RecordHTTPRequest(statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.requestLatency.Observe(duration.Seconds())
}

// RecordSessionsPurged は期限切れセッションの削除件数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerプロセスの単独メトリクスサーバーで使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ AuthMetrics = (*Collector)(nil)
