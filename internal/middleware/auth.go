// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/pixprompt/internal/model"
)

const bearerPrefix = "Bearer "

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストにIdentityを格納するためのキー。
var identityContextKey = contextKey("identity")

// TokenVerifier はベアラートークンの検証に必要なインターフェース。
// token.Verifierの部分集合として定義する。
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*model.Identity, error)
}

// AuthMetrics は認証結果の観測に必要なインターフェース。
// metrics.MetricsCollectorの部分集合として定義する。
type AuthMetrics interface {
	RecordAuthAccepted()
	RecordAuthRejected()
}

// NewAuthMiddleware はAuthorizationヘッダーからベアラートークンを読み取り、
// 検証するミドルウェアを返す。
// 検証済みIdentityをリクエストコンテキストに注入し、認証の成否をメトリクスに記録する。
// authMetricsはnilを許容する（記録をスキップする）。
// ヘッダーが欠落・不正な形式の場合は検証器を呼ばずに401を返す。
// 検証中のいかなる失敗も単一の汎用401に正規化する
// （署名・期限切れ・発行者不一致の区別は呼び出し元に開示しない）。
func NewAuthMiddleware(verifier TokenVerifier, authMetrics AuthMetrics) func(next http.Handler) http.Handler {
	recordRejected := func() {
		if authMetrics != nil {
			authMetrics.RecordAuthRejected()
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Authorizationヘッダーからベアラートークンを取得
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				recordRejected()
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			rawToken := strings.TrimPrefix(header, bearerPrefix)
			if rawToken == "" {
				recordRejected()
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// 2. トークンを検証（検証中のpanicも401に変換する）
			identity, err := safeVerify(r.Context(), verifier, rawToken)
			if err != nil || identity == nil {
				slog.Warn("token verification failed",
					slog.String("error", errString(err)),
				)
				recordRejected()
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if authMetrics != nil {
				authMetrics.RecordAuthAccepted()
			}

			// 3. 検証済みIdentityをコンテキストに注入
			ctx := context.WithValue(r.Context(), identityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// safeVerify は検証器を呼び出す。検証中のpanicはエラーとして回収し、
// 認証失敗として扱う（内部エラーを漏らさない）。
func safeVerify(ctx context.Context, verifier TokenVerifier, rawToken string) (identity *model.Identity, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			identity = nil
			err = fmt.Errorf("panic during token verification: %v", rec)
		}
	}()
	return verifier.Verify(ctx, rawToken)
}

// IdentityFromContext はリクエストコンテキストから検証済みIdentityを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

func errString(err error) string {
	if err == nil {
		return "verifier returned no identity"
	}
	return err.Error()
}
