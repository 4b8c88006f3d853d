package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pixprompt/internal/metrics"
	"github.com/hitoshi/pixprompt/internal/middleware"
	"github.com/hitoshi/pixprompt/internal/model"
	"github.com/hitoshi/pixprompt/internal/workflow"
)

// PromptQuotaInterface はプロンプト生成ハンドラーが必要とするクォータ操作。
type PromptQuotaInterface interface {
	// CanUse は現在のクォータ状態を返す。カウンターは加算しない。
	CanUse(ctx context.Context, uid, email string) (*model.QuotaStatus, error)
	// Increment は利用回数を原子的に1加算する。生成成功後にのみ呼び出す。
	Increment(ctx context.Context, uid string) error
}

// ImageURLValidator は画像URLのSSRF検証インターフェース。
type ImageURLValidator interface {
	ValidateImageURL(rawURL string) error
}

// PromptSanitizer は生成プロンプトのサニタイズインターフェース。
type PromptSanitizer interface {
	Sanitize(rawText string) string
}

// PromptHandler はプロンプト生成のHTTPハンドラー。
// 従量アクションの中心であり、クォータ消費はこのハンドラーでのみ発生する。
type PromptHandler struct {
	quota     PromptQuotaInterface
	generator workflow.PromptGenerator
	guard     ImageURLValidator
	sanitizer PromptSanitizer
	collector metrics.MetricsCollector
}

// NewPromptHandler はPromptHandlerを生成する。
func NewPromptHandler(
	quota PromptQuotaInterface,
	generator workflow.PromptGenerator,
	guard ImageURLValidator,
	sanitizer PromptSanitizer,
	collector metrics.MetricsCollector,
) *PromptHandler {
	return &PromptHandler{
		quota:     quota,
		generator: generator,
		guard:     guard,
		sanitizer: sanitizer,
		collector: collector,
	}
}

// promptRequest はプロンプト生成リクエストのボディ。
type promptRequest struct {
	ImageURL   string `json:"image_url"`
	PromptType string `json:"prompt_type"`
	Language   string `json:"language"`
}

// promptResponse はプロンプト生成のAPIレスポンス。
// usageには加算後のクォータ状態を反映する。
type promptResponse struct {
	ID         string        `json:"id"`
	Prompt     string        `json:"prompt"`
	PromptType string        `json:"prompt_type"`
	Usage      usageResponse `json:"usage"`
}

// GeneratePrompt は画像URLからプロンプトを生成する。
// POST /api/prompts
//
// 処理順序: クォータ判定 → 画像URL検証 → ワークフロー実行 →
// サニタイズ → カウンター加算 → レスポンス。
// カウンター加算は生成が成功した後にのみ行う（失敗した試行は数えない）。
func (h *PromptHandler) GeneratePrompt(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if req.PromptType == "" {
		req.PromptType = workflow.PromptTypeNormal
	}
	if req.Language == "" {
		req.Language = "en"
	}

	if !workflow.IsValidPromptType(req.PromptType) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidPromptTypeError(req.PromptType))
		return
	}

	if apiErr := h.validateImageURL(req.ImageURL); apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// クォータ判定（加算はしない）
	status, err := h.quota.CanUse(r.Context(), identity.UID, identity.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !status.CanUse {
		h.collector.RecordQuotaDenied(string(status.Subscription))
		writeAPIErrorResponse(w, http.StatusForbidden,
			model.NewQuotaExceededError(status.ResetAt.Format("2006-01-02")))
		return
	}
	h.collector.RecordQuotaAllowed(string(status.Subscription))

	requestID := uuid.NewString()

	// ワークフロー実行
	start := time.Now()
	rawPrompt, err := h.generator.GeneratePrompt(r.Context(), workflow.GenerateRequest{
		ImageURL:   req.ImageURL,
		PromptType: req.PromptType,
		Language:   req.Language,
	})
	h.collector.RecordGenerationLatency(time.Since(start))

	if err != nil {
		h.collector.RecordGenerationFailure("workflow_error")
		slog.Error("prompt generation failed",
			slog.String("request_id", requestID),
			slog.String("uid", identity.UID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewGenerationFailedError())
		return
	}

	prompt := h.sanitizer.Sanitize(rawPrompt)
	if prompt == "" {
		h.collector.RecordGenerationFailure("empty_output")
		slog.Error("prompt generation produced empty output",
			slog.String("request_id", requestID),
			slog.String("uid", identity.UID),
		)
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewGenerationFailedError())
		return
	}

	// 生成成功後にのみカウンターを加算する
	if err := h.quota.Increment(r.Context(), identity.UID); err != nil {
		handleServiceError(w, err)
		return
	}
	h.collector.RecordGenerationSuccess(req.PromptType)

	slog.Info("prompt generated",
		slog.String("request_id", requestID),
		slog.String("uid", identity.UID),
		slog.String("prompt_type", req.PromptType),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(promptResponse{
		ID:         requestID,
		Prompt:     prompt,
		PromptType: req.PromptType,
		Usage:      h.postIncrementUsage(r.Context(), identity.UID, identity.Email, status),
	})
}

// validateImageURL は画像URLの形式と安全性を検証する。
// 形式不正はINVALID_IMAGE_URL、SSRF防止によるブロックはSSRF_BLOCKEDを返す。
func (h *PromptHandler) validateImageURL(rawURL string) *model.APIError {
	if rawURL == "" {
		return model.NewInvalidImageURLError("URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return model.NewInvalidImageURLError("URLの形式が正しくありません")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return model.NewInvalidImageURLError("http:// または https:// のURLのみ使用できます")
	}

	if err := h.guard.ValidateImageURL(rawURL); err != nil {
		return model.NewSSRFBlockedError()
	}

	return nil
}

// postIncrementUsage は加算後のクォータ状態を取得する。
// 再取得に失敗した場合は加算前の状態からローカルに導出する
// （生成は既に成功しているため、ここでの失敗はレスポンスを妨げない）。
func (h *PromptHandler) postIncrementUsage(ctx context.Context, uid, email string, before *model.QuotaStatus) usageResponse {
	fresh, err := h.quota.CanUse(ctx, uid, email)
	if err == nil {
		return toUsageResponse(fresh)
	}

	slog.Warn("failed to reload quota status after increment",
		slog.String("uid", uid),
		slog.String("error", err.Error()),
	)

	derived := *before
	derived.UsageCount++
	derived.RemainingUses = derived.Limit - derived.UsageCount
	if derived.RemainingUses < 0 {
		derived.RemainingUses = 0
	}
	derived.CanUse = derived.UsageCount < derived.Limit
	return toUsageResponse(&derived)
}
