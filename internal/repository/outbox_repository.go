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

// lastErrorMaxLen は last_error 列の長さ。
const lastErrorMaxLen = 255

// OutboxEventModel は event_outbox テーブルのモデル。
// 保存済みで未配信のイベントを published_at が埋まるまで保持する。
type OutboxEventModel struct {
	Seq            uint64     `gorm:"primaryKey;autoIncrement"`
	EventID        string     `gorm:"type:char(36);not null;uniqueIndex:uniq_event_outbox_event_id"`
	SubscriptionID string     `gorm:"type:char(36);not null"`
	EventType      string     `gorm:"type:varchar(64);not null"`
	Payload        []byte     `gorm:"type:blob;not null"`
	OccurredOn     time.Time  `gorm:"type:datetime(6);not null"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);not null"`
	PublishedAt    *time.Time `gorm:"type:datetime(6)"`
	Attempts       int        `gorm:"not null;default:0"`
	LastError      string     `gorm:"type:varchar(255);not null;default:''"`
}

// TableName はテーブル名を返す。
func (OutboxEventModel) TableName() string {
	return "event_outbox"
}

// appendOutbox はイベントを未配信として追加する。
// 同じ集約を再保存した場合に備え、記録済みのイベントIDは無視する。
func appendOutbox(tx *gorm.DB, events []domain.DomainEvent, now time.Time) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]OutboxEventModel, len(events))
	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event payload: %w", err)
		}
		rows[i] = OutboxEventModel{
			EventID:        e.EventID(),
			SubscriptionID: e.AggregateID(),
			EventType:      e.EventType(),
			Payload:        payload,
			OccurredOn:     e.OccurredOn(),
			CreatedAt:      now,
		}
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&rows).Error
}

// OutboxRepository は未配信イベントの参照と配信状態の更新を提供する。
type OutboxRepository struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewOutboxRepository は新しいOutboxRepositoryを生成する。
func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db, clock: time.Now}
}

// FindPending は before 以前に書かれた未配信イベントを書き込み順に最大 limit 件返す。
// 復元できない行はログに残して読み飛ばす。
func (r *OutboxRepository) FindPending(ctx context.Context, before time.Time, limit int) ([]domain.DomainEvent, error) {
	var models []OutboxEventModel
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL AND created_at <= ?", before.UTC()).
		Order("seq ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find pending events",
			"operation", "find_pending",
			"error", err,
		)
		return nil, wrapError(ctx, "find_pending", err)
	}

	events := make([]domain.DomainEvent, 0, len(models))
	for _, m := range models {
		e, err := domain.DecodeEvent(m.EventType, m.Payload)
		if err != nil {
			slog.ErrorContext(ctx, "skipping undecodable outbox event",
				"operation", "find_pending",
				"event_id", m.EventID,
				"event_type", m.EventType,
				"error", err,
			)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// MarkPublished は配信済みとして記録する。
func (r *OutboxRepository) MarkPublished(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("event_id IN ? AND published_at IS NULL", eventIDs).
		Update("published_at", r.clock().UTC()).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark events published",
			"operation", "mark_published",
			"events", len(eventIDs),
			"error", err,
		)
		return wrapError(ctx, "mark_published", err)
	}
	return nil
}

// MarkFailed は配信失敗の回数と原因を記録する。
func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := cause.Error()
	if len(msg) > lastErrorMaxLen {
		msg = msg[:lastErrorMaxLen]
	}
	err := r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to record delivery failure",
			"operation", "mark_failed",
			"event_id", eventID,
			"error", err,
		)
		return wrapError(ctx, "mark_failed", err)
	}
	return nil
}
