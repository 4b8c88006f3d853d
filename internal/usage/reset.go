package usage

import "time"

// NextResetDate は次回の利用回数リセット日時を返す。
// 「現在時刻の翌月1日の0時」を壁時計基準で計算する。
// 月内のどの時点で登録したかに関わらず、割り当ては暦月境界で補充される
// （ローリング30日ウィンドウではない意図的な単純化）。
// 12月の場合はtime.Dateの月オーバーフロー正規化により翌年1月になる。
func NextResetDate(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
}
