// Package token はベアラートークンの検証を提供する。
//
// 検証は2段構え:
//  1. ローカルデコード: トークンのペイロードを署名検証なしでデコードし、
//     subject・有効期限・発行者をチェックする（高速パス）。
//  2. 上位機関クロスチェック（オプション）: 機関のシークレットが設定されている
//     場合のみ、機関の検証APIを固定デッドライン付きで呼び出す。成功すれば
//     機関の復号結果がローカル結果を上書きし、失敗・タイムアウト時は
//     ローカル結果に静かにフォールバックする。
//
// ローカルパスは署名を検証しないため、機関チェックなしの構成は開発用途向け。
// 本番では3つの機関シークレットを設定してクロスチェックを有効にすること。
package token

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/pixprompt/internal/model"
)

// DefaultAuthorityTimeout は上位機関検証のデフォルトデッドライン。
// この時間内に機関の応答が得られない場合はローカル検証結果を採用する。
const DefaultAuthorityTimeout = 800 * time.Millisecond

// ErrInvalidCredential はトークンが不正・期限切れ・発行者不一致の場合に返される。
// どのチェックに失敗したかは意図的に区別しない（プロービング対策）。
var ErrInvalidCredential = errors.New("invalid credential")

// AuthorityVerifier は上位機関によるトークン検証のインターフェース。
type AuthorityVerifier interface {
	// Verify はトークンを機関側で検証し、復号されたIdentityを返す。
	Verify(ctx context.Context, rawToken string) (*model.Identity, error)
}

// FallbackRecorder は機関検証からローカル検証へのフォールバック発生を記録する。
// metrics.MetricsCollectorの部分集合として定義する。
type FallbackRecorder interface {
	RecordAuthorityFallback()
}

// VerifierConfig はVerifierの設定。
type VerifierConfig struct {
	// IssuerSubstring はissクレームに含まれるべき発行者文字列。
	IssuerSubstring string
	// AuthorityTimeout は機関検証のデッドライン。ゼロ値はDefaultAuthorityTimeout。
	AuthorityTimeout time.Duration
	// Metrics はフォールバック発生の記録先。nilの場合は記録しない。
	Metrics FallbackRecorder
}

// Verifier はベアラートークンをIdentityに変換する。
type Verifier struct {
	authority AuthorityVerifier // nilの場合はクロスチェックを行わない
	config    VerifierConfig

	// now はテストで時刻を固定するためのフック。通常はtime.Now。
	now func() time.Time
}

// NewVerifier はVerifierを生成する。
// authorityがnilの場合、上位機関クロスチェックは一切試行されない。
func NewVerifier(authority AuthorityVerifier, config VerifierConfig) *Verifier {
	if config.AuthorityTimeout <= 0 {
		config.AuthorityTimeout = DefaultAuthorityTimeout
	}
	return &Verifier{
		authority: authority,
		config:    config,
		now:       time.Now,
	}
}

// Verify はベアラートークンを検証してIdentityを返す。
// ローカル検証に失敗した場合はErrInvalidCredentialを返す。
// 機関クロスチェックの失敗は致命的ではなく、ローカル結果が返る。
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*model.Identity, error) {
	identity, err := v.decodeLocal(rawToken)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	if v.authority != nil {
		authIdentity, err := v.verifyWithAuthority(ctx, rawToken)
		if err == nil && authIdentity != nil {
			return authIdentity, nil
		}
		if v.config.Metrics != nil {
			v.config.Metrics.RecordAuthorityFallback()
		}
		slog.Debug("authority verification unavailable, using local decode",
			slog.String("error", fallbackReason(err)),
		)
	}

	return identity, nil
}

// decodeLocal はトークンを署名検証なしでデコードし、クレームを検証する。
// 検証内容: subjectが存在すること、expクレーム（存在する場合）が未来であること、
// issクレームが存在し設定された発行者文字列を含むこと。
func (v *Verifier) decodeLocal(rawToken string) (*model.Identity, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(rawToken, claims); err != nil {
		return nil, err
	}

	sub := claimString(claims, "sub")
	if sub == "" {
		sub = claimString(claims, "user_id")
	}
	if sub == "" {
		return nil, errors.New("missing subject claim")
	}

	if exp, err := claims.GetExpirationTime(); err != nil {
		return nil, err
	} else if exp != nil && !exp.After(v.now()) {
		return nil, errors.New("token expired")
	}

	iss := claimString(claims, "iss")
	if iss == "" || !strings.Contains(iss, v.config.IssuerSubstring) {
		return nil, errors.New("unexpected issuer")
	}

	return &model.Identity{
		UID:       sub,
		Email:     claimString(claims, "email"),
		Name:      claimString(claims, "name"),
		AvatarURL: claimString(claims, "picture"),
	}, nil
}

// verifyWithAuthority は機関検証を固定デッドラインと競争させる。
// 先に決着した方が勝ち: 機関の応答がデッドライン内に得られればその結果、
// 得られなければデッドライン超過エラーを返す（負けた側の呼び出しは放置される。
// 読み取り専用のためクリーンアップは不要）。
func (v *Verifier) verifyWithAuthority(ctx context.Context, rawToken string) (*model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.config.AuthorityTimeout)
	defer cancel()

	type result struct {
		identity *model.Identity
		err      error
	}

	ch := make(chan result, 1)
	go func() {
		identity, err := v.authority.Verify(ctx, rawToken)
		ch <- result{identity: identity, err: err}
	}()

	select {
	case res := <-ch:
		return res.identity, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// claimString はクレームから文字列値を取り出す。型が異なる場合は空文字列。
func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// fallbackReason はフォールバックの原因をログ用の文字列にする。
// errがnilの場合は機関がIdentityなしで応答したことを意味する。
func fallbackReason(err error) string {
	if err == nil {
		return "empty authority response"
	}
	return err.Error()
}
