// Package model はドメインモデルを定義する。
package model

// Identity は検証済みクレデンシャルから導出された認証済み呼び出し元を表す。
// リクエストごとにトークンから再構築され、このコアが永続化することはない。
type Identity struct {
	UID       string
	Email     string
	Name      string
	AvatarURL string
}
