// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string `env:"PORT" envDefault:"8080"`
	DatabaseURL        string `env:"DATABASE_URL"`
	KMSKeyName         string `env:"KMS_KEY_NAME"`
	GoogleCloudProject string `env:"GOOGLE_CLOUD_PROJECT"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"INFO"`

	OtelEnabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OtelEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OtelServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"credential-custody-service"`
	OtelSamplingRate float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
	OtelInsecure     bool    `env:"OTEL_INSECURE" envDefault:"false"`

	// MasterKey は base64 の32バイト鍵。MasterKeyCiphertext が指定された場合はそちらを KMS で復号して使う。
	MasterKey           string `env:"MASTER_KEY"`
	MasterKeyCiphertext string `env:"MASTER_KEY_CIPHERTEXT"`
	CipherAlgorithm     string `env:"CIPHER_ALGORITHM" envDefault:"aes-256-gcm"`

	RedisAddr         string        `env:"REDIS_ADDR"`
	ViewCacheTTL      time.Duration `env:"VIEW_CACHE_TTL" envDefault:"5m"`
	MaxCommitAttempts int           `env:"MAX_COMMIT_ATTEMPTS" envDefault:"3"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	// 要求内で配信できなかったイベントをアウトボックスから再配信する間隔と件数。
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"10s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
}

// Load は .env（存在する場合）と環境変数から設定を読み込む。
// 既に設定されている環境変数は .env で上書きしない。
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.OtelSamplingRate < 0 || cfg.OtelSamplingRate > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLING_RATE must be within [0, 1], got %v", cfg.OtelSamplingRate)
	}
	if cfg.MaxCommitAttempts < 1 {
		return nil, fmt.Errorf("MAX_COMMIT_ATTEMPTS must be positive, got %d", cfg.MaxCommitAttempts)
	}
	if cfg.OutboxPollInterval <= 0 {
		return nil, fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive, got %s", cfg.OutboxPollInterval)
	}
	if cfg.OutboxBatchSize < 1 {
		return nil, fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", cfg.OutboxBatchSize)
	}
	return &cfg, nil
}

// SlogLevel は LogLevel を slog.Level に変換する。未知の値は INFO として扱う。
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
