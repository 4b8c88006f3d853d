package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/pixprompt/internal/middleware"
	"github.com/hitoshi/pixprompt/internal/model"
)

// QuotaServiceInterface は利用状況ハンドラーが必要とするサービスインターフェース。
type QuotaServiceInterface interface {
	// CanUse は現在のクォータ状態を返す。カウンターは加算しない。
	CanUse(ctx context.Context, uid, email string) (*model.QuotaStatus, error)
}

// UsageHandler は利用状況取得のHTTPハンドラー。
type UsageHandler struct {
	quota QuotaServiceInterface
}

// NewUsageHandler はUsageHandlerを生成する。
func NewUsageHandler(quota QuotaServiceInterface) *UsageHandler {
	return &UsageHandler{quota: quota}
}

// usageResponse はクォータ状態のAPIレスポンス。
// フロントエンドの残回数表示に使用される。
type usageResponse struct {
	CanUse        bool      `json:"can_use"`
	Subscription  string    `json:"subscription"`
	UsageCount    int       `json:"usage_count"`
	Limit         int       `json:"limit"`
	RemainingUses int       `json:"remaining_uses"`
	ResetAt       time.Time `json:"reset_at"`
}

// toUsageResponse はQuotaStatusをAPIレスポンス形式に変換する。
func toUsageResponse(status *model.QuotaStatus) usageResponse {
	return usageResponse{
		CanUse:        status.CanUse,
		Subscription:  string(status.Subscription),
		UsageCount:    status.UsageCount,
		Limit:         status.Limit,
		RemainingUses: status.RemainingUses,
		ResetAt:       status.ResetAt,
	}
}

// GetUsage は認証済みユーザーの現在のクォータ状態を取得する。
// GET /api/usage
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	status, err := h.quota.CanUse(r.Context(), identity.UID, identity.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toUsageResponse(status))
}
