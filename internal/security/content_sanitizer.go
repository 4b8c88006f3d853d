// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は外部ワークフローAPIが返した生成プロンプトを
// サニタイズし、XSS攻撃などのセキュリティリスクからユーザーを保護する。
// 生成プロンプトはプレーンテキストとして扱うため、bluemondayの
// 許可リストベースのポリシーで全てのHTMLタグを除去する。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は生成プロンプトのサニタイズ機能のインターフェースを定義する。
// ワークフローAPIのレスポンスをクライアントへ返す前に使用される。
type ContentSanitizerService interface {
	// Sanitize は生成プロンプトをサニタイズしてプレーンテキストを返す。
	// ワークフローAPIの出力は信頼できない外部入力として扱い、
	// 全てのHTMLタグ（script, iframe, img等）を除去する。
	// 前後の空白も取り除く。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawText string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 生成プロンプトはHTMLを含むべきではないため、StrictPolicy
// （全タグ除去、テキストのみ通過）を使用する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は生成プロンプトをサニタイズしてプレーンテキストを返す。
func (s *contentSanitizer) Sanitize(rawText string) string {
	return strings.TrimSpace(s.policy.Sanitize(rawText))
}
