// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
// 起動時に一度だけ構築し、必要なコンポーネントへ明示的に渡します。
type Config struct {
	// 認証設定
	APIKey     string // Bearer トークンとして照合する API キー
	APIKeyHash string // bcrypt ハッシュ化された API キー（設定時はこちらを優先）

	// サーバー設定
	Port          string // API サーバーのポート番号
	GinMode       string // Gin の実行モード (debug, release, test)
	BasePublicURL string // ダウンロード URL 生成に使う公開ベース URL

	// CORS 設定
	CORSAllowedOrigins string // CORS 許可オリジン（カンマ区切り）

	// Redis / キュー設定
	RedisURL          string // ジョブ状態・トークン・イベント用 Redis 接続 URL
	WorkerConcurrency int    // asynq ワーカーの同時実行数

	// ジョブ設定
	JobTTL         time.Duration // ジョブレコードの保持期間
	SignedURLTTL   time.Duration // ダウンロードトークンの有効期間
	AllowedDomains []string      // ダウンロード許可ホスト（空なら全許可）

	// ストレージ設定
	StorageBackend   string // ストレージ種別 (local, s3)
	StorageLocalRoot string // ローカルストレージのルートディレクトリ
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// 認証設定
		APIKey:     getEnv("API_KEY", ""),
		APIKeyHash: getEnv("API_KEY_HASH", ""),

		// サーバー設定
		Port:          getEnv("PORT", "8080"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		BasePublicURL: strings.TrimRight(getEnv("BASE_PUBLIC_URL", "http://localhost:8080"), "/"),

		// CORS 設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// Redis / キュー設定
		RedisURL:          getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		// ジョブ設定
		JobTTL:         time.Duration(getEnvAsInt("JOB_TTL_HOURS", 24*7)) * time.Hour,
		SignedURLTTL:   time.Duration(getEnvAsInt("SIGNED_URL_TTL_SECONDS", 900)) * time.Second,
		AllowedDomains: splitDomains(getEnv("ALLOWED_DOMAINS", "")),

		// ストレージ設定
		StorageBackend:   getEnv("STORAGE_BACKEND", "local"),
		StorageLocalRoot: getEnv("STORAGE_LOCAL_ROOT", "storage"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.APIKey == "" && c.APIKeyHash == "" {
			return fmt.Errorf("API_KEY or API_KEY_HASH is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.BasePublicURL == "" {
			return fmt.Errorf("BASE_PUBLIC_URL is required in release mode")
		}
	}

	if c.JobTTL <= 0 {
		return fmt.Errorf("JOB_TTL_HOURS must be positive")
	}
	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL_SECONDS must be positive")
	}

	return nil
}

// StorageRoot はローカルストレージの絶対パスを返します。
func (c *Config) StorageRoot() string {
	if filepath.IsAbs(c.StorageLocalRoot) {
		return c.StorageLocalRoot
	}
	cwd, err := os.Getwd()
	if err != nil {
		return c.StorageLocalRoot
	}
	return filepath.Join(cwd, c.StorageLocalRoot)
}

func splitDomains(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	domains := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			domains = append(domains, p)
		}
	}
	return domains
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
