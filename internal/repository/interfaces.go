// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/pixprompt/internal/model"
)

// UsageRepository は利用状況レコードの永続化インターフェース。
// レコードはユーザーIDごとに1件で、このコアが削除することはない。
type UsageRepository interface {
	// Find は指定UIDのレコードを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, uid string) (*model.UsageRecord, error)

	// Create は新規レコードを作成する。同一UIDのレコードが既に存在する場合は
	// 何もしない（同時リクエストによる二重作成を冪等に扱う）。
	Create(ctx context.Context, record *model.UsageRecord) error

	// Reset は利用回数を0に戻し、リセット期限を次回値に進める。
	// 常に同じ計算値を設定するため、二重実行しても結果は変わらない。
	Reset(ctx context.Context, uid string, resetAt time.Time) error

	// Increment は利用回数を原子的に1増やし、最終利用時刻を更新する。
	// 同一UIDに対する同時実行でも更新が失われてはならない。
	Increment(ctx context.Context, uid string) error

	// UpdateSubscription はサブスクリプションプランを変更する。
	// 利用回数とリセット期限は変更しない。
	UpdateSubscription(ctx context.Context, uid string, tier model.SubscriptionTier) error

	// ResetExpired は失効した全レコードを一括リセットし、対象件数を返す。
	// 月次スイーパーから呼び出される。
	ResetExpired(ctx context.Context, now, resetAt time.Time) (int64, error)
}
