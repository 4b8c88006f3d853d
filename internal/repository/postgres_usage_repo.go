package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/pixprompt/internal/model"
)

// PostgresUsageRepo はPostgreSQLを使用した利用状況リポジトリ。
type PostgresUsageRepo struct {
	db *sql.DB
}

// NewPostgresUsageRepo はPostgresUsageRepoを生成する。
func NewPostgresUsageRepo(db *sql.DB) *PostgresUsageRepo {
	return &PostgresUsageRepo{db: db}
}

// Find は指定UIDのレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresUsageRepo) Find(ctx context.Context, uid string) (*model.UsageRecord, error) {
	record := &model.UsageRecord{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uid, email, subscription, usage_count, created_at, last_used_at, reset_at
		 FROM usage_records WHERE uid = $1`,
		uid,
	).Scan(
		&record.UID, &record.Email, &record.Subscription, &record.UsageCount,
		&record.CreatedAt, &record.LastUsedAt, &record.ResetAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find usage record: %w", err)
	}

	return record, nil
}

// Create は新規レコードを作成する。
// ON CONFLICT DO NOTHINGにより、同時リクエストによる二重作成は片方が無視される。
func (r *PostgresUsageRepo) Create(ctx context.Context, record *model.UsageRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_records (uid, email, subscription, usage_count, created_at, last_used_at, reset_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (uid) DO NOTHING`,
		record.UID, record.Email, record.Subscription, record.UsageCount,
		record.CreatedAt, record.LastUsedAt, record.ResetAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// Reset は利用回数を0に戻し、リセット期限を指定値に進める。
func (r *PostgresUsageRepo) Reset(ctx context.Context, uid string, resetAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE usage_records SET usage_count = 0, reset_at = $2 WHERE uid = $1`,
		uid, resetAt,
	)
	if err != nil {
		return fmt.Errorf("failed to reset usage record: %w", err)
	}

	return nil
}

// Increment は利用回数を原子的に1増やし、最終利用時刻を現在時刻に更新する。
// read-modify-writeではなくSQLレベルの加算で行うため、同時実行でも更新は失われない。
func (r *PostgresUsageRepo) Increment(ctx context.Context, uid string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE usage_records SET usage_count = usage_count + 1, last_used_at = now() WHERE uid = $1`,
		uid,
	)
	if err != nil {
		return fmt.Errorf("failed to increment usage count: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return model.NewUserNotFoundError()
	}

	return nil
}

// UpdateSubscription はサブスクリプションプランを変更する。
func (r *PostgresUsageRepo) UpdateSubscription(ctx context.Context, uid string, tier model.SubscriptionTier) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE usage_records SET subscription = $2 WHERE uid = $1`,
		uid, tier,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return model.NewUserNotFoundError()
	}

	return nil
}

// ResetExpired は失効した全レコードを一括リセットし、対象件数を返す。
func (r *PostgresUsageRepo) ResetExpired(ctx context.Context, now, resetAt time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE usage_records SET usage_count = 0, reset_at = $2 WHERE reset_at <= $1`,
		now, resetAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset expired usage records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return affected, nil
}

// compile-time interface check
var _ UsageRepository = (*PostgresUsageRepo)(nil)
