package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config はデーモン全体の設定を保持します
type Config struct {
	// 永続化データのルートディレクトリ
	DataRoot string

	// HTTPサーバ設定
	Server ServerConfig

	// ログ設定
	Log LogConfig

	// ロケール設定
	Locale LocaleConfig

	// 上流モデル呼び出し設定
	Upstream UpstreamConfig

	// RAGパイプライン設定
	RAG RAGConfig

	// ローカルランタイム設定
	Runtime RuntimeConfig

	// Web検索コラボレータ設定
	Search SearchConfig
}

// ServerConfig はHTTPサーバ設定
type ServerConfig struct {
	BindAddr string
}

// LogConfig はログ出力設定
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

// LocaleConfig はローカライズ設定
type LocaleConfig struct {
	Language string // 初期ロケール（例: en, ja, zh-CN）
}

// UpstreamConfig は推論・埋め込みエンドポイント呼び出しの設定
type UpstreamConfig struct {
	TimeoutSeconds int // 呼び出しごとのタイムアウト秒数
}

// RAGConfig はドキュメント取り込みと検索の設定
type RAGConfig struct {
	ChunkMaxTokens     int // チャンクあたりの最大トークン数（T）
	TopK               int // ナレッジベースごとの検索件数
	GlobalLimit        int // 横断検索後の全体上限
	EmbeddingBatchSize int // 埋め込み呼び出し1回あたりのチャンク数
}

// RuntimeConfig はローカルモデルランタイムの設定
type RuntimeConfig struct {
	Addr    string   // ランタイムのベースURL
	Dir     string   // ランタイムのサンドボックスディレクトリ（空の場合はDataRoot配下）
	Managed bool     // デーモンがランタイムプロセスを起動・管理するか
	Mirrors []string // ランタイム本体のダウンロードミラー
}

// SearchConfig はWeb検索コラボレータの設定
type SearchConfig struct {
	Endpoint string // 空の場合はWeb検索を無効化
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		DataRoot: getEnv("DATA_ROOT", ""),
		Server: ServerConfig{
			BindAddr: getEnv("BIND_ADDR", "127.0.0.1:7071"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Locale: LocaleConfig{
			Language: getEnv("LANGUAGE", "en"),
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds: getEnvAsInt("UPSTREAM_TIMEOUT_SECONDS", 120),
		},
		RAG: RAGConfig{
			ChunkMaxTokens:     getEnvAsInt("CHUNK_MAX_TOKENS", 800),
			TopK:               getEnvAsInt("RAG_TOP_K", 4),
			GlobalLimit:        getEnvAsInt("RAG_GLOBAL_LIMIT", 12),
			EmbeddingBatchSize: getEnvAsInt("EMBEDDING_BATCH_SIZE", 32),
		},
		Runtime: RuntimeConfig{
			Addr:    getEnv("LOCAL_RUNTIME_ADDR", "http://127.0.0.1:11434"),
			Dir:     getEnv("LOCAL_RUNTIME_DIR", ""),
			Managed: getEnvAsBool("LOCAL_RUNTIME_MANAGED", true),
			Mirrors: getEnvAsList("RUNTIME_DOWNLOAD_MIRRORS", []string{"https://ollama.com/download"}),
		},
		Search: SearchConfig{
			Endpoint: getEnv("SEARCH_ENDPOINT", ""),
		},
	}

	if cfg.DataRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataRoot = filepath.Join(home, ".deskchat")
	}
	if cfg.Runtime.Dir == "" {
		cfg.Runtime.Dir = filepath.Join(cfg.DataRoot, "runtime")
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
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

// getEnvAsList はカンマ区切りの環境変数をリストとして取得します
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}

// getEnvAsBool は環境変数を真偽値として取得します
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
