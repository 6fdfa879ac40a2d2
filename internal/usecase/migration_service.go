package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"credential-custody-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
	Apply(ctx context.Context, version, statement string) error
}

// MigrationService はマイグレーション実行のビジネスロジックを提供する。
type MigrationService struct {
	repo  MigrationRepository
	files fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
// files には {version}_{name}.sql 形式のファイルがルート直下に並んでいること。
func NewMigrationService(repo MigrationRepository, files fs.FS) *MigrationService {
	return &MigrationService{
		repo:  repo,
		files: files,
	}
}

// scanMigrationFiles は.sqlファイルを列挙してバージョン順に並べる。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []*domain.Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: %s and %s share version %s", domain.ErrInvalidMigrationFile, other, entry.Name(), version)
		}
		seen[version] = entry.Name()

		migrations = append(migrations, &domain.Migration{
			Version: version,
			Name:    name,
			Path:    entry.Name(),
			Status:  domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_shared_subscriptions.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	parts := strings.SplitN(strings.TrimSuffix(filename, ".sql"), "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return parts[0], parts[1], nil
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用件数を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, err
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	appliedCount := 0
	for _, migration := range allMigrations {
		applied, err := s.repo.IsMigrationApplied(ctx, migration.Version)
		if err != nil {
			return appliedCount, fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			continue
		}

		statement, err := fs.ReadFile(s.files, migration.Path)
		if err != nil {
			return appliedCount, fmt.Errorf("failed to read migration file %s: %w", migration.Path, err)
		}
		if err := s.repo.Apply(ctx, migration.Version, string(statement)); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %w", domain.ErrMigrationFailed, migration.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"version", migration.Version,
			"name", migration.Name,
		)
		appliedCount++
	}

	return appliedCount, nil
}

// GetMigrationStatus は現在のマイグレーション状況を取得する。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, err
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	appliedMigrations, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}

	appliedMap := make(map[string]*domain.Migration, len(appliedMigrations))
	for _, migration := range appliedMigrations {
		appliedMap[migration.Version] = migration
	}
	for _, migration := range allMigrations {
		if applied, exists := appliedMap[migration.Version]; exists {
			migration.Status = domain.MigrationStatusApplied
			migration.AppliedAt = applied.AppliedAt
		}
	}

	return allMigrations, nil
}
