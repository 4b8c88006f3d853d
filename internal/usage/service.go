// Package usage は利用回数の台帳とクォータ判定のドメインロジックを提供する。
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/pixprompt/internal/model"
	"github.com/hitoshi/pixprompt/internal/repository"
)

// Service は利用回数台帳のサービス層。
// ユーザーごとの月間カウンターの取得・リセット・加算と、
// 「今この瞬間に1回利用できるか」の判定を提供する。
type Service struct {
	repo   repository.UsageRepository
	limits model.SubscriptionLimits

	// now はテストで時刻を固定するためのフック。通常はtime.Now。
	now func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// limitsは起動時に注入するイミュータブルな上限テーブル。
func NewService(repo repository.UsageRepository, limits model.SubscriptionLimits) *Service {
	return &Service{
		repo:   repo,
		limits: limits,
		now:    time.Now,
	}
}

// GetOrCreate は指定UIDのレコードを取得する。存在しない場合は
// usage_count=0、subscription=free、reset_at=翌月1日で遅延作成する。
func (s *Service) GetOrCreate(ctx context.Context, uid, email string) (*model.UsageRecord, error) {
	record, err := s.repo.Find(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to find usage record: %w", err)
	}
	if record != nil {
		return record, nil
	}

	now := s.now()
	newRecord := &model.UsageRecord{
		UID:          uid,
		Email:        email,
		Subscription: model.TierFree,
		UsageCount:   0,
		CreatedAt:    now,
		LastUsedAt:   now,
		ResetAt:      NextResetDate(now),
	}

	if err := s.repo.Create(ctx, newRecord); err != nil {
		return nil, fmt.Errorf("failed to create usage record: %w", err)
	}

	// 同時リクエストで先に作成されていた場合はそちらを正とする
	record, err = s.repo.Find(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to reload usage record: %w", err)
	}
	if record == nil {
		return newRecord, nil
	}

	return record, nil
}

// CanUse は指定ユーザーが今1回の従量アクションを実行できるかを判定する。
// レコードが失効している場合は遅延リセットを行う（リセットは常に同じ計算値を
// 設定するため、同時リクエストが両方リセットしても安全）。
// この関数自体はカウンターを加算しない。加算はアクション成功後に
// 呼び出し元がIncrementで行う（失敗した試行を数えないため）。
func (s *Service) CanUse(ctx context.Context, uid, email string) (*model.QuotaStatus, error) {
	record, err := s.GetOrCreate(ctx, uid, email)
	if err != nil {
		return nil, err
	}

	now := s.now()
	usageCount := record.UsageCount
	resetAt := record.ResetAt

	if record.Expired(now) {
		freshResetAt := NextResetDate(now)
		if err := s.repo.Reset(ctx, uid, freshResetAt); err != nil {
			return nil, fmt.Errorf("failed to reset expired usage record: %w", err)
		}
		usageCount = 0
		resetAt = freshResetAt
	}

	limit := s.limits.LimitFor(record.Subscription)

	remaining := limit - usageCount
	if remaining < 0 {
		remaining = 0
	}

	return &model.QuotaStatus{
		CanUse:        usageCount < limit,
		Subscription:  record.Subscription,
		UsageCount:    usageCount,
		Limit:         limit,
		RemainingUses: remaining,
		ResetAt:       resetAt,
	}, nil
}

// Increment は利用回数を原子的に1加算する。
// 従量アクションが実際に成功した後にのみ呼び出すこと。
func (s *Service) Increment(ctx context.Context, uid string) error {
	if err := s.repo.Increment(ctx, uid); err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// UpdateSubscription はサブスクリプションプランを変更する。
// プランは定義済みの4種類のいずれかでなければならない。
// 現在の期間の利用回数は新プランの上限の下でそのまま引き継がれる
// （日割りやリセットは行わない）。
func (s *Service) UpdateSubscription(ctx context.Context, uid string, tier model.SubscriptionTier) error {
	if !tier.IsValid() {
		return model.NewInvalidSubscriptionPlanError(string(tier))
	}

	if err := s.repo.UpdateSubscription(ctx, uid, tier); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	return nil
}
