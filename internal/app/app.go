// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/pixprompt/internal/config"
	"github.com/hitoshi/pixprompt/internal/database"
	"github.com/hitoshi/pixprompt/internal/handler"
	"github.com/hitoshi/pixprompt/internal/logger"
	"github.com/hitoshi/pixprompt/internal/metrics"
	"github.com/hitoshi/pixprompt/internal/middleware"
	"github.com/hitoshi/pixprompt/internal/model"
	"github.com/hitoshi/pixprompt/internal/repository"
	"github.com/hitoshi/pixprompt/internal/security"
	"github.com/hitoshi/pixprompt/internal/subscription"
	"github.com/hitoshi/pixprompt/internal/token"
	"github.com/hitoshi/pixprompt/internal/usage"
	"github.com/hitoshi/pixprompt/internal/worker/resetsweep"
	"github.com/hitoshi/pixprompt/internal/workflow"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newTokenVerifier はトークン検証器を構築する。
// 機関シークレットが揃っている場合のみ上位機関クロスチェックを有効にする。
// フォールバック発生はcollectorに記録される。
func newTokenVerifier(cfg *config.Config, collector token.FallbackRecorder) *token.Verifier {
	var authority token.AuthorityVerifier
	if cfg.AuthorityEnabled() {
		authority = token.NewHTTPAuthorityVerifier(token.HTTPAuthorityConfig{
			ProjectID:   cfg.AuthorityProjectID,
			ClientEmail: cfg.AuthorityClientEmail,
			PrivateKey:  cfg.AuthorityPrivateKey,
			VerifyURL:   cfg.AuthorityVerifyURL,
		}, nil)
		slog.Info("authority token verification enabled",
			slog.String("project_id", cfg.AuthorityProjectID),
		)
	} else {
		slog.Warn("authority token verification disabled; using local decode only")
	}

	return token.NewVerifier(authority, token.VerifierConfig{
		IssuerSubstring:  cfg.TokenIssuer,
		AuthorityTimeout: cfg.AuthorityVerifyTimeout,
		Metrics:          collector,
	})
}

// rateLimiterConfig は設定（req/min）からレート制限設定（req/sec）を構築する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rlCfg.GeneralBurst = cfg.RateLimitGeneral
	rlCfg.GenerationRate = rate.Limit(float64(cfg.RateLimitGeneration) / 60.0)
	rlCfg.GenerationBurst = cfg.RateLimitGeneration
	return rlCfg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリとドメインサービスの初期化
	usageRepo := repository.NewPostgresUsageRepo(db)
	usageService := usage.NewService(usageRepo, model.DefaultSubscriptionLimits())
	subService := subscription.NewService(usageService)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 4. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 5. トークン検証器の初期化
	verifier := newTokenVerifier(cfg, collector)

	// 6. ワークフロークライアントの初期化
	// エンドポイントは設定で差し替え可能なため、SSRF防止付きクライアントで呼び出す
	workflowClient := workflow.NewClient(workflow.Config{
		Endpoint:   cfg.WorkflowAPIURL,
		APIToken:   cfg.WorkflowAPIToken,
		WorkflowID: cfg.WorkflowID,
		Timeout:    cfg.WorkflowTimeout,
	}, ssrfGuard.NewSafeClient(cfg.WorkflowTimeout))

	// 7. レート制限の初期化
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	// 8. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Verifier:          verifier,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		QuotaService:        usageService,
		PromptQuota:         usageService,
		SubscriptionService: subService,
		Generator:           workflowClient,
		ImageGuard:          ssrfGuard,
		Sanitizer:           sanitizer,

		Collector:       collector,
		MetricsGatherer: registry,

		HealthPinger: db,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server listening",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、失効レコードの一括リセットスイーパーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. スイーパーの初期化
	usageRepo := repository.NewPostgresUsageRepo(db)
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	sweeper := resetsweep.NewSweeper(usageRepo, collector, slog.Default(), resetsweep.DefaultInterval)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// スイーパーをメインgoroutineで実行（ブロッキング）
	sweeper.Run(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
