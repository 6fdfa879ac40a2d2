package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"credential-custody-service/internal/domain"
)

const (
	// DefaultRelayBatchSize は1回の再配信で読み込む未配信イベントの上限。
	DefaultRelayBatchSize = 100
	// DefaultRelayGracePeriod は保存直後のイベントを再配信対象から外す期間。
	// 要求内の配信と重ならないようにする。
	DefaultRelayGracePeriod = 30 * time.Second
)

// PendingEventStore は未配信イベントを保持するアウトボックス。
type PendingEventStore interface {
	FindPending(ctx context.Context, before time.Time, limit int) ([]domain.DomainEvent, error)
	MarkPublished(ctx context.Context, eventIDs []string) error
	MarkFailed(ctx context.Context, eventID string, cause error) error
}

// OutboxRelay は要求内で配信できなかったイベントをアウトボックスから再配信する。
// 同じサブスクリプションのイベントは発生順に配信し、失敗したらその回は後続を送らない。
type OutboxRelay struct {
	store     PendingEventStore
	publisher EventPublisher
	batchSize int
	grace     time.Duration
	clock     func() time.Time
}

// RelayOption はOutboxRelayの任意設定。
type RelayOption func(*OutboxRelay)

// WithRelayBatchSize は1回に読み込む件数を設定する。
func WithRelayBatchSize(n int) RelayOption {
	return func(r *OutboxRelay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRelayGracePeriod は保存直後のイベントを対象外にする期間を設定する。
func WithRelayGracePeriod(d time.Duration) RelayOption {
	return func(r *OutboxRelay) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithRelayClock は時刻の取得元を差し替える。
func WithRelayClock(clock func() time.Time) RelayOption {
	return func(r *OutboxRelay) { r.clock = clock }
}

// NewOutboxRelay は新しいOutboxRelayを生成する。
func NewOutboxRelay(store PendingEventStore, publisher EventPublisher, opts ...RelayOption) *OutboxRelay {
	r := &OutboxRelay{
		store:     store,
		publisher: publisher,
		batchSize: DefaultRelayBatchSize,
		grace:     DefaultRelayGracePeriod,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DeliverPending は未配信イベントを1バッチ分配信し、配信できた件数を返す。
// ハンドラの失敗は記録して次回に回すのでエラーにはしない。
func (r *OutboxRelay) DeliverPending(ctx context.Context) (int, error) {
	events, err := r.store.FindPending(ctx, r.clock().Add(-r.grace), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("finding pending events: %w", err)
	}

	blocked := make(map[string]bool)
	delivered := 0
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if blocked[e.AggregateID()] {
			continue
		}

		if err := r.publisher.PublishAll(ctx, []domain.DomainEvent{e}); err != nil {
			blocked[e.AggregateID()] = true
			slog.WarnContext(ctx, "failed to redeliver event",
				"operation", "deliver_pending",
				"event_id", e.EventID(),
				"event_type", e.EventType(),
				"subscription_id", e.AggregateID(),
				"error", err,
			)
			if merr := r.store.MarkFailed(ctx, e.EventID(), err); merr != nil {
				return delivered, fmt.Errorf("recording delivery failure: %w", merr)
			}
			continue
		}

		if err := r.store.MarkPublished(ctx, []string{e.EventID()}); err != nil {
			return delivered, fmt.Errorf("marking event published: %w", err)
		}
		delivered++
	}

	if delivered > 0 || len(blocked) > 0 {
		slog.InfoContext(ctx, "redelivered pending events",
			"operation", "deliver_pending",
			"delivered", delivered,
			"blocked_subscriptions", len(blocked),
		)
	}
	return delivered, nil
}

// Run は ctx が終わるまで interval ごとに DeliverPending を繰り返す。
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.DeliverPending(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "outbox relay failed",
					"operation", "deliver_pending",
					"error", err,
				)
			}
		}
	}
}
