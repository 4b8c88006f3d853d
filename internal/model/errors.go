// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, quota, generation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeQuotaExceeded           = "QUOTA_EXCEEDED"
	ErrCodeInvalidSubscriptionPlan = "INVALID_SUBSCRIPTION_PLAN"
	ErrCodeInvalidImageURL         = "INVALID_IMAGE_URL"
	ErrCodeSSRFBlocked             = "SSRF_BLOCKED"
	ErrCodeInvalidPromptType       = "INVALID_PROMPT_TYPE"
	ErrCodeGenerationFailed        = "GENERATION_FAILED"
	ErrCodeUserNotFound            = "USER_NOT_FOUND"
)

// NewUnauthorizedError は認証エラーを生成する。
// どの検証に失敗したか（署名・期限切れ・発行者不一致）は呼び出し元に開示しない。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewQuotaExceededError は月間利用上限到達エラーを生成する。
// メッセージには次回リセット日を含める。
func NewQuotaExceededError(resetDate string) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  fmt.Sprintf("今月の利用回数が上限に達しています。%s にリセットされます。", resetDate),
		Category: "quota",
		Action:   "プランをアップグレードするか、リセット日までお待ちください。",
	}
}

// NewInvalidSubscriptionPlanError は未定義プラン指定エラーを生成する。
func NewInvalidSubscriptionPlanError(plan string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSubscriptionPlan,
		Message:  fmt.Sprintf("無効なサブスクリプションプランです: %s", plan),
		Category: "validation",
		Action:   "free、basic、pro、premium のいずれかを指定してください。",
	}
}

// NewInvalidImageURLError は無効な画像URLエラーを生成する。
func NewInvalidImageURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidImageURL,
		Message:  fmt.Sprintf("無効な画像URLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されている画像のURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewInvalidPromptTypeError は未定義のプロンプト種別エラーを生成する。
func NewInvalidPromptTypeError(promptType string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPromptType,
		Message:  fmt.Sprintf("無効なプロンプト種別です: %s", promptType),
		Category: "validation",
		Action:   "normal、flux、midjourney、stableDiffusion のいずれかを指定してください。",
	}
}

// NewGenerationFailedError はプロンプト生成失敗エラーを生成する。
func NewGenerationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeGenerationFailed,
		Message:  "プロンプトの生成に失敗しました。",
		Category: "generation",
		Action:   "しばらく待ってから再度お試しください。利用回数は消費されていません。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
