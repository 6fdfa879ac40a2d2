package usecase

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"credential-custody-service/internal/domain"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	executed          []string
	applyError        map[string]error
	ensured           int
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
		applyError:        make(map[string]error),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	m.ensured++
	return nil
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

func (m *mockMigrationRepository) Apply(ctx context.Context, version, statement string) error {
	if err := m.applyError[version]; err != nil {
		return err
	}
	now := time.Now()
	m.executed = append(m.executed, statement)
	m.appliedMigrations[version] = &domain.Migration{
		Version:   version,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

// testMigrations はテスト用のマイグレーションファイル群を返す。
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"002_create_members.sql":       {Data: []byte("CREATE TABLE members (id INT);")},
		"001_create_subscriptions.sql": {Data: []byte("CREATE TABLE subscriptions (id INT);")},
		"003_create_events.sql":        {Data: []byte("CREATE TABLE events (id INT);")},
		"README.md":                    {Data: []byte("ignored")},
	}
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	service := NewMigrationService(repo, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}
	if repo.ensured != 1 {
		t.Errorf("expected history table to be ensured once, got %d", repo.ensured)
	}

	// バージョン順に実行される
	want := []string{
		"CREATE TABLE subscriptions (id INT);",
		"CREATE TABLE members (id INT);",
		"CREATE TABLE events (id INT);",
	}
	if len(repo.executed) != len(want) {
		t.Fatalf("expected %d statements, got %d", len(want), len(repo.executed))
	}
	for i := range want {
		if repo.executed[i] != want[i] {
			t.Errorf("statement %d: expected %q, got %q", i, want[i], repo.executed[i])
		}
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}
	repo.appliedMigrations["002"] = &domain.Migration{Version: "002", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, testMigrations())
	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_Error(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.applyError["002"] = errors.New("syntax error")

	service := NewMigrationService(repo, testMigrations())
	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
	// 失敗したバージョン以降は実行されない
	if count != 1 {
		t.Errorf("expected 1 migration applied before failure, got %d", count)
	}
	if _, ok := repo.appliedMigrations["003"]; ok {
		t.Error("migration 003 must not run after a failure")
	}
}

func TestMigrationService_InvalidFileName(t *testing.T) {
	files := testMigrations()
	files["broken.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}

	service := NewMigrationService(newMockMigrationRepository(), files)
	_, err := service.ApplyMigrations(context.Background())
	if !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
	}
}

func TestMigrationService_DuplicateVersion(t *testing.T) {
	files := testMigrations()
	files["001_again.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}

	service := NewMigrationService(newMockMigrationRepository(), files)
	_, err := service.GetMigrationStatus(context.Background())
	if !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, testMigrations())
	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusPending,
		"003": domain.MigrationStatusPending,
	}
	for _, migration := range migrations {
		expectedStatus, exists := expectedStatuses[migration.Version]
		if !exists {
			t.Errorf("unexpected migration version: %s", migration.Version)
			continue
		}
		if migration.Status != expectedStatus {
			t.Errorf("migration %s: expected status %s, got %s", migration.Version, expectedStatus, migration.Status)
		}
	}
	if migrations[0].AppliedAt == nil {
		t.Error("expected applied time for 001")
	}
}
