// Package subscription はサブスクリプションプラン変更のドメインロジックを提供する。
package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/pixprompt/internal/model"
)

// UsageLedger はプラン変更が必要とする利用状況台帳のインターフェース。
// usage.Serviceの部分集合として定義する。
type UsageLedger interface {
	// UpdateSubscription はサブスクリプションプランを変更する。
	UpdateSubscription(ctx context.Context, uid string, tier model.SubscriptionTier) error
	// CanUse は現在のクォータ状態を返す。
	CanUse(ctx context.Context, uid, email string) (*model.QuotaStatus, error)
}

// Service はプラン変更のサービス層。
type Service struct {
	ledger UsageLedger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(ledger UsageLedger) *Service {
	return &Service{ledger: ledger}
}

// UpdateSubscription はユーザーのプランを変更し、変更後のクォータ状態を返す。
// planは free、basic、pro、premium のいずれかでなければならない。
// プラン変更時に利用回数のリセットや日割りは行わない。
func (s *Service) UpdateSubscription(ctx context.Context, uid, email, plan string) (*model.QuotaStatus, error) {
	tier := model.SubscriptionTier(plan)
	if !tier.IsValid() {
		return nil, model.NewInvalidSubscriptionPlanError(plan)
	}

	if err := s.ledger.UpdateSubscription(ctx, uid, tier); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	slog.Info("subscription updated",
		slog.String("uid", uid),
		slog.String("plan", plan),
	)

	status, err := s.ledger.CanUse(ctx, uid, email)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota status after update: %w", err)
	}

	return status, nil
}
