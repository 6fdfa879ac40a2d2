package repository

import (
	"context"
	"testing"
)

func TestMigrationRepository_ApplyAndFind(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewMigrationRepository(db)

	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	// 2回目も成功する
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("second EnsureTable failed: %v", err)
	}

	if err := repo.Apply(ctx, "010", "CREATE TABLE widgets (id INTEGER)"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	applied, err := repo.IsMigrationApplied(ctx, "010")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if !applied {
		t.Error("expected 010 to be applied")
	}

	all, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(all) != 1 || all[0].Version != "010" {
		t.Errorf("unexpected applied migrations: %+v", all)
	}
}

func TestMigrationRepository_ApplyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMigrationRepository(setupTestDB(t))
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}

	if err := repo.Apply(ctx, "011", "INVALID SQL SYNTAX"); err == nil {
		t.Fatal("expected error for invalid SQL, but got nil")
	}
	applied, err := repo.IsMigrationApplied(ctx, "011")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if applied {
		t.Error("failed migration must not be recorded")
	}
}
