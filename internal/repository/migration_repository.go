package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"credential-custody-service/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は履歴テーブルが無ければ作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	err := r.db.WithContext(ctx).Exec(
		"CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(14) NOT NULL PRIMARY KEY, applied_at DATETIME(6) NOT NULL)",
	).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return wrapError(ctx, "ensure_table", err)
	}
	return nil
}

// FindAllApplied は適用済みマイグレーション一覧を取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find all applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, wrapError(ctx, "find_all_applied", err)
	}

	migrations := make([]*domain.Migration, len(models))
	for i := range models {
		migrations[i] = &domain.Migration{
			Version:   models[i].Version,
			AppliedAt: &models[i].AppliedAt,
			Status:    domain.MigrationStatusApplied,
		}
	}
	return migrations, nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&SchemaMigrationModel{}).Where("version = ?", version).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to check if migration is applied",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, wrapError(ctx, "is_migration_applied", err)
	}
	return count > 0, nil
}

// Apply はSQLの実行と履歴の記録を同一トランザクションで行う。
func (r *MigrationRepository) Apply(ctx context.Context, version, statement string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(statement).Error; err != nil {
			slog.ErrorContext(ctx, "failed to execute migration SQL",
				"operation", "apply",
				"version", version,
				"error", err,
			)
			return wrapError(ctx, "apply", err)
		}
		if err := tx.Create(&SchemaMigrationModel{Version: version}).Error; err != nil {
			slog.ErrorContext(ctx, "failed to record migration",
				"operation", "apply",
				"version", version,
				"error", err,
			)
			return wrapError(ctx, "apply", err)
		}
		return nil
	})
}
