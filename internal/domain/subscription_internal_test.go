package domain

import (
	"errors"
	"testing"
	"time"
)

func TestRecord_ReturnsOutOfOrderError(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := NewSharedSubscription("sub-1", "owner-1", "plan", 2, func() time.Time { return start })
	if err != nil {
		t.Fatalf("NewSharedSubscription failed: %v", err)
	}

	stale := MemberAdded{EventMeta: EventMeta{ID: "e-old", SubscriptionID: "sub-1", At: start.Add(-time.Minute)}, UserID: "alice"}
	if err := sub.record(stale); !errors.Is(err, ErrEventOutOfOrder) {
		t.Fatalf("want ErrEventOutOfOrder, got %v", err)
	}
	if n := len(sub.DomainEvents()); n != 1 {
		t.Errorf("want 1 event, got %d", n)
	}
}

func TestAddMember_RecordsBeforeMutating(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := NewSharedSubscription("sub-1", "owner-1", "plan", 2, func() time.Time { return start })
	if err != nil {
		t.Fatalf("NewSharedSubscription failed: %v", err)
	}
	if err := sub.AddMember("alice"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	events := sub.DomainEvents()
	added, ok := events[len(events)-1].(MemberAdded)
	if !ok {
		t.Fatalf("want MemberAdded, got %T", events[len(events)-1])
	}
	if !added.OccurredOn().Equal(sub.Members()[0].JoinedAt) {
		t.Errorf("event time %v differs from join time %v", added.OccurredOn(), sub.Members()[0].JoinedAt)
	}
}
