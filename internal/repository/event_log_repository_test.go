package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"credential-custody-service/internal/domain"
)

func memberAdded(id, subscriptionID, userID string, at time.Time) domain.MemberAdded {
	return domain.MemberAdded{
		EventMeta: domain.EventMeta{ID: id, SubscriptionID: subscriptionID, At: at},
		UserID:    userID,
	}
}

func TestEventLogRepository_AppendAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewEventLogRepository(setupTestDB(t))
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	// 発生順と逆に記録しても発生順で返る
	if err := repo.Append(ctx, memberAdded("e2", "sub-1", "bob", base.Add(time.Second))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := repo.Append(ctx, memberAdded("e1", "sub-1", "alice", base)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := repo.Append(ctx, memberAdded("e3", "sub-2", "carol", base)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	events, err := repo.FindBySubscriptionID(ctx, "sub-1")
	if err != nil {
		t.Fatalf("FindBySubscriptionID failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if events[0].ID != "e1" || events[1].ID != "e2" {
		t.Errorf("want [e1 e2], got [%s %s]", events[0].ID, events[1].ID)
	}
	if events[0].EventType != domain.EventMemberAdded {
		t.Errorf("want %s, got %s", domain.EventMemberAdded, events[0].EventType)
	}

	var payload map[string]any
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["user_id"] != "alice" {
		t.Errorf("want user_id alice, got %v", payload["user_id"])
	}
}

func TestEventLogRepository_AppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewEventLogRepository(setupTestDB(t))
	e := memberAdded("e1", "sub-1", "alice", time.Now().UTC())

	for i := 0; i < 3; i++ {
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("Append #%d failed: %v", i, err)
		}
	}

	events, err := repo.FindBySubscriptionID(ctx, "sub-1")
	if err != nil {
		t.Fatalf("FindBySubscriptionID failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("want 1 event, got %d", len(events))
	}
}

func TestEventLogRepository_FindEmpty(t *testing.T) {
	repo := NewEventLogRepository(setupTestDB(t))
	events, err := repo.FindBySubscriptionID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindBySubscriptionID failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("want no events, got %d", len(events))
	}
}

func TestEventLogRepository_StorageError(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventLogRepository(db)
	if err := db.Exec("DROP TABLE domain_events").Error; err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	err := repo.Append(context.Background(), memberAdded("e1", "sub-1", "alice", time.Now()))
	if !errors.Is(err, domain.ErrRepository) {
		t.Errorf("want ErrRepository, got %v", err)
	}
}
