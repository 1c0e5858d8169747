// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// キュー/ジョブストアのバックエンド種別
const (
	BackendMemory = "memory"
	BackendAsynq  = "asynq"
	BackendRedis  = "redis"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // ログレベル (debug, info, warn, error)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	APITokenHash string // bcryptでハッシュ化されたAPIトークン（空なら認証なし）

	// ファイル制限
	MaxFileSize      int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages         int   // 単一ファイルの最大ページ数
	JobExpireMinutes int   // 終了済みジョブの保持期間（分）

	// 一時ストレージ設定
	TempDir            string // アップロードを書き出すスクラッチディレクトリ
	PersistBufferBytes int    // ストリーミング書き込み時のバッファサイズ

	// 高速パス設定
	FastPathWindowBytes int64 // 高速パスで読み込む先頭バイト数
	FastPathProgress    int   // 高速パス完了時点の進捗（P1）
	TOCPreviewLimit     int   // 部分結果に含める目次の最大件数

	// チャンク分割設定
	DefaultChunkSize    int // 1チャンクあたりのページ数の既定値
	MaxChunkSize        int // 指定可能なチャンクサイズの上限
	WorkerCount         int // プロセス全体で共有するワーカー数
	WorkerQueueSize     int // ワーカープールの待ち行列の長さ
	SplitThresholdPages int // auto 戦略で split を選ぶページ数の閾値

	// ジョブ/キュー設定
	QueueBackend  string // バックグラウンド処理の起動方法 (memory, asynq)
	JobStore      string // ジョブ状態のミラー先 (memory, redis)
	QueueRedisURL string // Asynq/ジョブストア用Redis接続URL

	ShutdownTimeoutSeconds int  // シャットダウン時にワーカーの完了を待つ秒数
	MetricsEnabled         bool // /metrics を公開するか
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		APITokenHash: getEnv("API_TOKEN_HASH", ""),

		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 512*1024*1024), // 512MB
		MaxPages:         getEnvAsInt("MAX_PAGES", 5000),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 30),

		TempDir:            getEnv("TEMP_DIR", filepath.Join(os.TempDir(), "docstream")),
		PersistBufferBytes: getEnvAsInt("PERSIST_BUFFER_BYTES", 1024*1024),

		FastPathWindowBytes: getEnvAsInt64("FAST_PATH_WINDOW_BYTES", 1024*1024), // 1MB
		FastPathProgress:    getEnvAsInt("FAST_PATH_PROGRESS", 20),
		TOCPreviewLimit:     getEnvAsInt("TOC_PREVIEW_LIMIT", 50),

		DefaultChunkSize:    getEnvAsInt("DEFAULT_CHUNK_SIZE", 50),
		MaxChunkSize:        getEnvAsInt("MAX_CHUNK_SIZE", 500),
		WorkerCount:         getEnvAsInt("WORKER_COUNT", runtime.NumCPU()),
		WorkerQueueSize:     getEnvAsInt("WORKER_QUEUE_SIZE", 256),
		SplitThresholdPages: getEnvAsInt("SPLIT_THRESHOLD_PAGES", 1000),

		QueueBackend:  strings.ToLower(getEnv("QUEUE_BACKEND", BackendMemory)),
		JobStore:      strings.ToLower(getEnv("JOB_STORE", BackendMemory)),
		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),

		ShutdownTimeoutSeconds: getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 30),
		MetricsEnabled:         getEnvAsBool("METRICS_ENABLED", true),
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
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive (got %d)", c.WorkerCount)
	}
	if c.DefaultChunkSize <= 0 {
		return fmt.Errorf("DEFAULT_CHUNK_SIZE must be positive (got %d)", c.DefaultChunkSize)
	}
	if c.MaxChunkSize < c.DefaultChunkSize {
		return fmt.Errorf("MAX_CHUNK_SIZE must be >= DEFAULT_CHUNK_SIZE")
	}
	if c.FastPathProgress < 0 || c.FastPathProgress >= 100 {
		return fmt.Errorf("FAST_PATH_PROGRESS must be within [0, 100)")
	}
	if c.FastPathWindowBytes <= 0 || c.PersistBufferBytes <= 0 {
		return fmt.Errorf("FAST_PATH_WINDOW_BYTES and PERSIST_BUFFER_BYTES must be positive")
	}

	switch c.QueueBackend {
	case BackendMemory, BackendAsynq:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q", BackendMemory, BackendAsynq)
	}
	switch c.JobStore {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("JOB_STORE must be %q or %q", BackendMemory, BackendRedis)
	}
	if (c.QueueBackend == BackendAsynq || c.JobStore == BackendRedis) && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for redis backed queue/store")
	}

	// 本番環境ではトークン認証を必須にする
	if c.GinMode == "release" && c.APITokenHash == "" {
		return fmt.Errorf("API_TOKEN_HASH is required in release mode")
	}

	return nil
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
