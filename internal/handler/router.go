package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/pixprompt/internal/metrics"
	"github.com/hitoshi/pixprompt/internal/middleware"
	"github.com/hitoshi/pixprompt/internal/workflow"
)

// HealthPinger はヘルスチェックが必要とするDB接続確認のインターフェース。
// *sql.DBが満たす。
type HealthPinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Verifier          middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// サービス
	QuotaService        QuotaServiceInterface
	PromptQuota         PromptQuotaInterface
	SubscriptionService SubscriptionServiceInterface
	Generator           workflow.PromptGenerator
	ImageGuard          ImageURLValidator
	Sanitizer           PromptSanitizer

	// 観測
	Collector       metrics.MetricsCollector
	MetricsGatherer prometheus.Gatherer

	// ヘルスチェック
	HealthPinger HealthPinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → Recovery → SecurityHeaders → Logging → (Auth → RateLimit(General))
//
// /health と /metrics は認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	if deps.Collector != nil {
		r.Use(newStatusMetricsMiddleware(deps.Collector))
	}

	promptHandler := NewPromptHandler(deps.PromptQuota, deps.Generator, deps.ImageGuard, deps.Sanitizer, deps.Collector)
	usageHandler := NewUsageHandler(deps.QuotaService)
	subHandler := NewSubscriptionHandler(deps.SubscriptionService)

	// --- 認証不要のルート ---

	r.Get("/health", newHealthHandler(deps.HealthPinger))

	if deps.MetricsGatherer != nil {
		r.Get("/metrics", metrics.Handler(deps.MetricsGatherer).ServeHTTP)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Verifier, deps.Collector))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// POST /api/prompts - プロンプト生成（生成専用レート制限を追加）
		r.With(deps.RateLimiter.GenerationMiddleware()).Post("/api/prompts", promptHandler.GeneratePrompt)

		// GET /api/usage - クォータ状態の取得
		r.Get("/api/usage", usageHandler.GetUsage)

		// PUT /api/users/me/subscription - プラン変更
		r.Put("/api/users/me/subscription", subHandler.UpdateSubscription)
	})

	return r
}

// newHealthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(pinger HealthPinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if pinger != nil {
			if err := pinger.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// newStatusMetricsMiddleware はレスポンスのステータスコードをメトリクスに記録する。
func newStatusMetricsMiddleware(collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusOnlyRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			collector.RecordHTTPStatus(rec.statusCode)
		})
	}
}

// statusOnlyRecorder はステータスコードのみを記録するResponseWriterラッパー。
type statusOnlyRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusOnlyRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusOnlyRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}
