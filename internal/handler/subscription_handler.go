package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/pixprompt/internal/middleware"
	"github.com/hitoshi/pixprompt/internal/model"
)

// SubscriptionServiceInterface はプラン変更ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	// UpdateSubscription はプランを変更し、変更後のクォータ状態を返す。
	UpdateSubscription(ctx context.Context, uid, email, plan string) (*model.QuotaStatus, error)
}

// SubscriptionHandler はサブスクリプションプラン変更のHTTPハンドラー。
type SubscriptionHandler struct {
	service SubscriptionServiceInterface
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service SubscriptionServiceInterface) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

// subscriptionUpdateRequest はプラン変更リクエストのボディ。
type subscriptionUpdateRequest struct {
	Subscription string `json:"subscription"`
}

// UpdateSubscription は認証済みユーザーのプランを変更する。
// PUT /api/users/me/subscription
func (h *SubscriptionHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req subscriptionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	status, err := h.service.UpdateSubscription(r.Context(), identity.UID, identity.Email, req.Subscription)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toUsageResponse(status))
}
