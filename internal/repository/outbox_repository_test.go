package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func countOutbox(t *testing.T, repo *OutboxRepository) int64 {
	t.Helper()
	var n int64
	if err := repo.db.Model(&OutboxEventModel{}).Count(&n).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func TestSubscriptionRepository_SaveWritesOutbox(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	subs := NewSubscriptionRepository(db)
	outbox := NewOutboxRepository(db)

	sub := newTestSubscription(t, "sub-1")
	if err := sub.AddMember("alice"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if _, err := subs.Save(ctx, sub); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// 配信前に同じ集約を再保存してもイベントは重複しない
	if _, err := subs.Save(ctx, sub); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if n := countOutbox(t, outbox); n != 2 {
		t.Errorf("want 2 outbox rows, got %d", n)
	}

	pending, err := outbox.FindPending(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	want := sub.DomainEvents()
	if len(pending) != len(want) {
		t.Fatalf("want %d pending events, got %d", len(want), len(pending))
	}
	for i := range want {
		if pending[i].EventID() != want[i].EventID() || pending[i].EventType() != want[i].EventType() {
			t.Errorf("event %d: want %s/%s, got %s/%s", i,
				want[i].EventType(), want[i].EventID(), pending[i].EventType(), pending[i].EventID())
		}
	}
}

func TestSubscriptionRepository_FailedSaveWritesNoOutbox(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	subs := NewSubscriptionRepository(db)
	outbox := NewOutboxRepository(db)

	if _, err := subs.Save(ctx, newTestSubscription(t, "sub-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := subs.Save(ctx, newTestSubscription(t, "sub-1")); err == nil {
		t.Fatal("expected conflict on duplicate create")
	}
	if n := countOutbox(t, outbox); n != 1 {
		t.Errorf("rolled back save must not leave outbox rows, got %d", n)
	}
}

func TestOutboxRepository_MarkPublished(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	subs := NewSubscriptionRepository(db)
	outbox := NewOutboxRepository(db)

	sub := newTestSubscription(t, "sub-1")
	_ = sub.AddMember("alice")
	if _, err := subs.Save(ctx, sub); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	events := sub.DomainEvents()

	if err := outbox.MarkPublished(ctx, []string{events[0].EventID()}); err != nil {
		t.Fatalf("MarkPublished failed: %v", err)
	}
	pending, err := outbox.FindPending(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].EventID() != events[1].EventID() {
		t.Errorf("want only the second event pending, got %d events", len(pending))
	}
	if err := outbox.MarkPublished(ctx, nil); err != nil {
		t.Errorf("empty MarkPublished: %v", err)
	}
}

func TestOutboxRepository_FindPendingRespectsCutoff(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	subs := NewSubscriptionRepository(db)
	outbox := NewOutboxRepository(db)

	if _, err := subs.Save(ctx, newTestSubscription(t, "sub-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	pending, err := outbox.FindPending(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("want no events before cutoff, got %d", len(pending))
	}
}

func TestOutboxRepository_MarkFailed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	subs := NewSubscriptionRepository(db)
	outbox := NewOutboxRepository(db)

	sub := newTestSubscription(t, "sub-1")
	if _, err := subs.Save(ctx, sub); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	id := sub.DomainEvents()[0].EventID()

	cause := errors.New(strings.Repeat("x", 300))
	for i := 0; i < 2; i++ {
		if err := outbox.MarkFailed(ctx, id, cause); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	var row OutboxEventModel
	if err := db.Where("event_id = ?", id).First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.Attempts != 2 {
		t.Errorf("want 2 attempts, got %d", row.Attempts)
	}
	if len(row.LastError) != lastErrorMaxLen {
		t.Errorf("want last_error truncated to %d, got %d", lastErrorMaxLen, len(row.LastError))
	}
	if row.PublishedAt != nil {
		t.Error("failed event must stay pending")
	}
}

func TestOutboxRepository_SkipsUndecodableRows(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	outbox := NewOutboxRepository(db)

	now := time.Now().UTC()
	bad := OutboxEventModel{EventID: "e-bad", SubscriptionID: "sub-1", EventType: "Unknown", Payload: []byte(`{}`), OccurredOn: now, CreatedAt: now}
	if err := db.Create(&bad).Error; err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	pending, err := outbox.FindPending(ctx, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("want undecodable row skipped, got %d", len(pending))
	}
}
