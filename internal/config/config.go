package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	TokenIssuer string

	// Authority（トークン検証の上位機関）
	// 3つのシークレットがすべて設定されている場合のみクロスチェックを行う。
	AuthorityProjectID     string
	AuthorityClientEmail   string
	AuthorityPrivateKey    string
	AuthorityVerifyURL     string
	AuthorityVerifyTimeout time.Duration

	// Workflow（プロンプト生成API）
	WorkflowAPIURL   string
	WorkflowAPIToken string
	WorkflowID       string
	WorkflowTimeout  time.Duration

	// Rate Limit（req/min/user）
	RateLimitGeneral    int
	RateLimitGeneration int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TokenIssuer = os.Getenv("TOKEN_ISSUER")
	if cfg.TokenIssuer == "" {
		missing = append(missing, "TOKEN_ISSUER")
	}

	cfg.WorkflowAPIURL = os.Getenv("WORKFLOW_API_URL")
	if cfg.WorkflowAPIURL == "" {
		missing = append(missing, "WORKFLOW_API_URL")
	}

	cfg.WorkflowAPIToken = os.Getenv("WORKFLOW_API_TOKEN")
	if cfg.WorkflowAPIToken == "" {
		missing = append(missing, "WORKFLOW_API_TOKEN")
	}

	cfg.WorkflowID = os.Getenv("WORKFLOW_ID")
	if cfg.WorkflowID == "" {
		missing = append(missing, "WORKFLOW_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Authority（オプション）
	cfg.AuthorityProjectID = os.Getenv("AUTHORITY_PROJECT_ID")
	cfg.AuthorityClientEmail = os.Getenv("AUTHORITY_CLIENT_EMAIL")
	cfg.AuthorityPrivateKey = os.Getenv("AUTHORITY_PRIVATE_KEY")
	cfg.AuthorityVerifyURL = getEnvString("AUTHORITY_VERIFY_URL", "")
	cfg.AuthorityVerifyTimeout = getEnvDuration("AUTHORITY_VERIFY_TIMEOUT", 800*time.Millisecond)

	// Optional fields with defaults
	cfg.WorkflowTimeout = getEnvDuration("WORKFLOW_TIMEOUT", 30*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitGeneration = getEnvInt("RATE_LIMIT_GENERATION", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// AuthorityEnabled は上位機関によるトークン検証が設定されているかを返す。
// 3つのシークレットがすべて揃っている場合のみ有効。
func (c *Config) AuthorityEnabled() bool {
	return c.AuthorityProjectID != "" &&
		c.AuthorityClientEmail != "" &&
		c.AuthorityPrivateKey != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
