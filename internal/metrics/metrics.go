// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやワーカーから利用する。
type MetricsCollector interface {
	RecordAuthAccepted()
	RecordAuthRejected()
	RecordAuthorityFallback()
	RecordQuotaAllowed(tier string)
	RecordQuotaDenied(tier string)
	RecordGenerationSuccess(promptType string)
	RecordGenerationFailure(reason string)
	RecordGenerationLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordUsageRecordsSwept(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAccepted      prometheus.Counter
	authRejected      prometheus.Counter
	authorityFallback prometheus.Counter
	quotaAllowed      *prometheus.CounterVec
	quotaDenied       *prometheus.CounterVec
	generationSuccess *prometheus.CounterVec
	generationFailure *prometheus.CounterVec
	generationLatency prometheus.Histogram
	httpStatus        *prometheus.CounterVec
	usageSwept        prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixprompt_auth_accepted_total",
			Help: "認証成功の合計数",
		}),
		authRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixprompt_auth_rejected_total",
			Help: "認証拒否の合計数",
		}),
		authorityFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixprompt_authority_fallback_total",
			Help: "上位機関クロスチェックからローカル検証へのフォールバック数",
		}),
		quotaAllowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixprompt_quota_allowed_total",
			Help: "クォータチェック通過の合計数（プラン別）",
		}, []string{"tier"}),
		quotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixprompt_quota_denied_total",
			Help: "クォータ超過による拒否の合計数（プラン別）",
		}, []string{"tier"}),
		generationSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixprompt_generation_success_total",
			Help: "プロンプト生成成功の合計数（出力形式別）",
		}, []string{"prompt_type"}),
		generationFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixprompt_generation_fail_total",
			Help: "プロンプト生成失敗の合計数（理由別）",
		}, []string{"reason"}),
		generationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixprompt_generation_latency_seconds",
			Help:    "ワークフローAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixprompt_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		usageSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixprompt_usage_records_swept_total",
			Help: "一括リセットされた使用状況レコードの合計数",
		}),
	}

	reg.MustRegister(
		c.authAccepted,
		c.authRejected,
		c.authorityFallback,
		c.quotaAllowed,
		c.quotaDenied,
		c.generationSuccess,
		c.generationFailure,
		c.generationLatency,
		c.httpStatus,
		c.usageSwept,
	)

	return c
}

// RecordAuthAccepted は認証成功を記録する。
func (c *Collector) RecordAuthAccepted() {
	c.authAccepted.Inc()
}

// RecordAuthRejected は認証拒否を記録する。
func (c *Collector) RecordAuthRejected() {
	c.authRejected.Inc()
}

// RecordAuthorityFallback は上位機関チェックからのフォールバックを記録する。
func (c *Collector) RecordAuthorityFallback() {
	c.authorityFallback.Inc()
}

// RecordQuotaAllowed はクォータチェック通過を記録する。
func (c *Collector) RecordQuotaAllowed(tier string) {
	c.quotaAllowed.WithLabelValues(tier).Inc()
}

// RecordQuotaDenied はクォータ超過による拒否を記録する。
func (c *Collector) RecordQuotaDenied(tier string) {
	c.quotaDenied.WithLabelValues(tier).Inc()
}

// RecordGenerationSuccess はプロンプト生成成功を記録する。
func (c *Collector) RecordGenerationSuccess(promptType string) {
	c.generationSuccess.WithLabelValues(promptType).Inc()
}

// RecordGenerationFailure はプロンプト生成失敗を記録する。
func (c *Collector) RecordGenerationFailure(reason string) {
	c.generationFailure.WithLabelValues(reason).Inc()
}

// RecordGenerationLatency はワークフロー呼び出しのレイテンシを記録する。
func (c *Collector) RecordGenerationLatency(duration time.Duration) {
	c.generationLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUsageRecordsSwept は一括リセットされたレコード数を記録する。
func (c *Collector) RecordUsageRecordsSwept(count int64) {
	c.usageSwept.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
