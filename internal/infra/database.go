// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"credential-custody-service/config"
)

// NewDB はgormによるデータベース接続を初期化する。
// ドライバのエラーは gorm の共通エラー（ErrDuplicatedKey など）に変換する。
func NewDB(dsn string, cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.OtelEnabled {
		// パラメータには暗号文が載るため、クエリ変数はスパンに含めない
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics(), tracing.WithoutQueryVariables())); err != nil {
			return nil, fmt.Errorf("registering tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
