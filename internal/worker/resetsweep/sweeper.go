// Package resetsweep は失効した使用状況レコードの一括リセットジョブを提供する。
// 月次境界を過ぎたレコードのカウンターをゼロに戻し、次のリセット日時を設定する。
// リクエスト時の遅延リセットと併用される保険的なバッチであり、
// リセットは常に同じ計算値を設定するため両者が競合しても安全。
package resetsweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/pixprompt/internal/metrics"
	"github.com/hitoshi/pixprompt/internal/usage"
)

// DefaultInterval は一括リセットの実行間隔。
const DefaultInterval = 24 * time.Hour

// UsageResetter は一括リセットが必要とする台帳操作のインターフェース。
// repository.UsageRepositoryの部分集合として定義する。
type UsageResetter interface {
	// ResetExpired はreset_atが過ぎた全レコードを一括リセットし、件数を返す。
	ResetExpired(ctx context.Context, now time.Time, resetAt time.Time) (int64, error)
}

// Sweeper は失効レコードの一括リセットを定期実行する。
type Sweeper struct {
	resetter  UsageResetter
	collector metrics.MetricsCollector
	logger    *slog.Logger
	interval  time.Duration

	// now はテストで時刻を固定するためのフック。通常はtime.Now。
	now func() time.Time
}

// NewSweeper は新しいSweeperを生成する。
// intervalが0以下の場合はDefaultIntervalを使用する。
// collectorはnilでもよい（メトリクス記録をスキップする）。
func NewSweeper(resetter UsageResetter, collector metrics.MetricsCollector, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		resetter:  resetter,
		collector: collector,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
	}
}

// RunOnce は失効レコードの一括リセットを1回実行する。
// 対象がない場合でもエラーにならない（冪等）。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()
	now := s.now()

	swept, err := s.resetter.ResetExpired(ctx, now, usage.NextResetDate(now))
	if err != nil {
		s.logger.Error("usage reset sweep failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to sweep expired usage records: %w", err)
	}

	if s.collector != nil {
		s.collector.RecordUsageRecordsSwept(swept)
	}

	s.logger.Info("usage reset sweep completed",
		slog.Int64("swept_count", swept),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Run は起動時に1回、以降はinterval間隔で一括リセットを実行し続ける。
// コンテキストのキャンセルで停止する。個々の実行の失敗はログに記録し、
// ループは継続する（一時的なDB障害でワーカーを落とさない）。
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("usage reset sweeper started",
		slog.String("interval", s.interval.String()),
	)

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Warn("initial sweep failed, will retry on next tick",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("sweep failed, will retry on next tick",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			s.logger.Info("usage reset sweeper stopped")
			return
		}
	}
}
