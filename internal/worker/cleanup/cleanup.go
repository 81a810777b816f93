// Package cleanup は期限切れサーバー側セッションの自動削除ジョブを提供する。
// SESSION_CLEANUP_INTERVALごとに、期限を過ぎたセッションをストアから削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションを削除するインターフェース。
// auth.SessionManagerが満たす。
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgeMetrics は削除件数の計測インターフェース。
type PurgeMetrics interface {
	RecordSessionsPurged(count int64)
}

// CleanupJob は期限切れセッションの自動削除ジョブ。
// 冪等な削除処理のため、複数のworkerが同時に動いても問題ない。
type CleanupJob struct {
	purger  SessionPurger
	metrics PurgeMetrics
	logger  *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。metricsはnilでもよい。
func NewCleanupJob(purger SessionPurger, metrics PurgeMetrics, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		purger:  purger,
		metrics: metrics,
		logger:  logger,
	}
}

// Run は期限切れセッションを1回削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.purger.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordSessionsPurged(deleted)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降はintervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。失敗は記録して次の周期で再試行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
