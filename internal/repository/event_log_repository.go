package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"credential-custody-service/internal/domain"
)

// DomainEventModel は domain_events テーブルのモデル。
type DomainEventModel struct {
	ID             string    `gorm:"type:char(36);primaryKey"`
	SubscriptionID string    `gorm:"type:char(36);not null;index:idx_subscription_occurred"`
	EventType      string    `gorm:"type:varchar(64);not null"`
	Payload        []byte    `gorm:"type:blob;not null"`
	OccurredOn     time.Time `gorm:"type:datetime(6);not null;index:idx_subscription_occurred"`
	RecordedAt     time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (DomainEventModel) TableName() string {
	return "domain_events"
}

func (m *DomainEventModel) toDomain() *domain.StoredEvent {
	return &domain.StoredEvent{
		ID:             m.ID,
		SubscriptionID: m.SubscriptionID,
		EventType:      m.EventType,
		Payload:        m.Payload,
		OccurredOn:     m.OccurredOn,
		RecordedAt:     m.RecordedAt,
	}
}

// EventLogRepository はドメインイベントの監査ログを管理するリポジトリ。
type EventLogRepository struct {
	db *gorm.DB
}

// NewEventLogRepository は新しいEventLogRepositoryを生成する。
func NewEventLogRepository(db *gorm.DB) *EventLogRepository {
	return &EventLogRepository{db: db}
}

// Append はイベントを記録する。配信は少なくとも1回のため、同じイベントIDの再記録は無視する。
func (r *EventLogRepository) Append(ctx context.Context, e domain.DomainEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

	model := &DomainEventModel{
		ID:             e.EventID(),
		SubscriptionID: e.AggregateID(),
		EventType:      e.EventType(),
		Payload:        payload,
		OccurredOn:     e.OccurredOn(),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to append domain event",
			"operation", "append",
			"event_id", e.EventID(),
			"event_type", e.EventType(),
			"subscription_id", e.AggregateID(),
			"error", err,
		)
		return wrapError(ctx, "append", err)
	}
	return nil
}

// FindBySubscriptionID は指定されたサブスクリプションのイベントを発生順に取得する。
func (r *EventLogRepository) FindBySubscriptionID(ctx context.Context, subscriptionID string) ([]*domain.StoredEvent, error) {
	var models []DomainEventModel
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("occurred_on ASC, recorded_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find domain events",
			"operation", "find_by_subscription_id",
			"subscription_id", subscriptionID,
			"error", err,
		)
		return nil, wrapError(ctx, "find_by_subscription_id", err)
	}

	events := make([]*domain.StoredEvent, len(models))
	for i, m := range models {
		events[i] = m.toDomain()
	}
	return events, nil
}
