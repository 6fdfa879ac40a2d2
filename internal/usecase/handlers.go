package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"credential-custody-service/internal/domain"
)

// EventAppender はイベントを監査ログに追記するインターフェース。
type EventAppender interface {
	Append(ctx context.Context, e domain.DomainEvent) error
}

// HandlerRegistry はイベント種別ごとのハンドラ登録先。
type HandlerRegistry interface {
	RegisterHandlerFunc(eventType string, fn func(ctx context.Context, e domain.DomainEvent) error)
}

// AllEventTypes は集約が発行する全イベント種別。
var AllEventTypes = []string{
	domain.EventSubscriptionCreated,
	domain.EventCredentialIssued,
	domain.EventCredentialRotated,
	domain.EventCredentialRevoked,
	domain.EventMemberAdded,
	domain.EventMemberRevoked,
	domain.EventSubscriptionClosed,
}

// AuditHandler は全イベントを監査ログに記録する。
type AuditHandler struct {
	log EventAppender
}

// NewAuditHandler は新しいAuditHandlerを生成する。
func NewAuditHandler(log EventAppender) *AuditHandler {
	return &AuditHandler{log: log}
}

// Handle はイベントを追記し、監査行を出力する。
func (h *AuditHandler) Handle(ctx context.Context, e domain.DomainEvent) error {
	if err := h.log.Append(ctx, e); err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	slog.InfoContext(ctx, "domain event recorded",
		"event_type", e.EventType(),
		"event_id", e.EventID(),
		"subscription_id", e.AggregateID(),
		"occurred_on", e.OccurredOn(),
	)
	return nil
}

// CacheInvalidationHandler は状態が変わったサブスクリプションのキャッシュを破棄する。
type CacheInvalidationHandler struct {
	cache ViewCache
}

// NewCacheInvalidationHandler は新しいCacheInvalidationHandlerを生成する。
func NewCacheInvalidationHandler(cache ViewCache) *CacheInvalidationHandler {
	return &CacheInvalidationHandler{cache: cache}
}

// Handle はキャッシュの世代を進めて表現を破棄する。失敗すると古い表現が残るためエラーを返す。
func (h *CacheInvalidationHandler) Handle(ctx context.Context, e domain.DomainEvent) error {
	if err := h.cache.Invalidate(ctx, e.AggregateID()); err != nil {
		return fmt.Errorf("invalidating cached view: %w", err)
	}
	return nil
}

// NotificationHandler はメンバー向けの通知を出す。配信先は構造化ログ。
type NotificationHandler struct{}

// Handle は通知対象のイベントについて通知行を出力する。
func (NotificationHandler) Handle(ctx context.Context, e domain.DomainEvent) error {
	var (
		recipient string
		message   string
	)
	switch ev := e.(type) {
	case domain.MemberAdded:
		recipient, message = ev.UserID, "you were added to a shared subscription"
	case domain.MemberRevoked:
		recipient, message = ev.UserID, "your access to a shared subscription was revoked"
	case domain.CredentialRotated:
		message = "the shared credential was rotated"
	case domain.CredentialRevoked:
		message = "the shared credential was revoked"
	case domain.SubscriptionClosed:
		message = "the shared subscription was closed"
	default:
		return nil
	}
	slog.InfoContext(ctx, "member notification",
		"subscription_id", e.AggregateID(),
		"event_type", e.EventType(),
		"recipient", recipient,
		"message", message,
	)
	return nil
}

// RegisterHandlers は監査・キャッシュ破棄・通知のハンドラをこの順で登録する。
// cache が nil の場合はキャッシュ破棄を登録しない。
func RegisterHandlers(r HandlerRegistry, audit *AuditHandler, cache ViewCache) {
	notify := NotificationHandler{}
	for _, t := range AllEventTypes {
		r.RegisterHandlerFunc(t, audit.Handle)
		if cache != nil {
			r.RegisterHandlerFunc(t, NewCacheInvalidationHandler(cache).Handle)
		}
		r.RegisterHandlerFunc(t, notify.Handle)
	}
}
