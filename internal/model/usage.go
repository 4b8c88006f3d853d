// Package model はドメインモデルを定義する。
package model

import "time"

// SubscriptionTier はサブスクリプションプランを表す。
type SubscriptionTier string

const (
	// TierFree は無料プラン。
	TierFree SubscriptionTier = "free"
	// TierBasic はベーシックプラン。
	TierBasic SubscriptionTier = "basic"
	// TierPro はプロプラン。
	TierPro SubscriptionTier = "pro"
	// TierPremium はプレミアムプラン。
	TierPremium SubscriptionTier = "premium"
)

// IsValid はプランが定義済みの4種類のいずれかであるかを返す。
func (t SubscriptionTier) IsValid() bool {
	switch t {
	case TierFree, TierBasic, TierPro, TierPremium:
		return true
	default:
		return false
	}
}

// SubscriptionLimits はプランごとの月間利用上限を表すイミュータブルな設定値。
// 起動時に注入し、プロセス状態として書き換えない。
type SubscriptionLimits map[SubscriptionTier]int

// DefaultSubscriptionLimits は本番のプラン別月間上限を返す。
func DefaultSubscriptionLimits() SubscriptionLimits {
	return SubscriptionLimits{
		TierFree:    10,
		TierBasic:   100,
		TierPro:     500,
		TierPremium: 2000,
	}
}

// LimitFor は指定プランの月間上限を返す。
// 未知のプランはfreeの上限にフォールバックする。
func (l SubscriptionLimits) LimitFor(tier SubscriptionTier) int {
	if limit, ok := l[tier]; ok {
		return limit
	}
	return l[TierFree]
}

// UsageRecord はユーザーごとの月間利用カウンターとプラン状態を表す。
// 不変条件:
//   - UsageCount >= 0
//   - ResetAt は常に翌月以降の月初0時（現カウント期間の排他的上限）
//   - now >= ResetAt のレコードは失効しており、リセット後でなければ
//     UsageCountを信頼してはならない
type UsageRecord struct {
	UID          string
	Email        string
	Subscription SubscriptionTier
	UsageCount   int
	CreatedAt    time.Time
	LastUsedAt   time.Time
	ResetAt      time.Time
}

// Expired は指定時刻においてレコードが失効しているかを返す。
func (r *UsageRecord) Expired(now time.Time) bool {
	return !now.Before(r.ResetAt)
}

// QuotaStatus は「今この瞬間に1回利用できるか」の判定結果。
// 例外ではなく構造化データとして返し、UI側で残回数とリセット日を表示できるようにする。
type QuotaStatus struct {
	CanUse        bool
	Subscription  SubscriptionTier
	UsageCount    int
	Limit         int
	RemainingUses int
	ResetAt       time.Time
}
