package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はプロンプト生成APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は利用回数リセットスイーパーのワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はusage_recordsスキーマのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は/healthエンドポイントへのヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
