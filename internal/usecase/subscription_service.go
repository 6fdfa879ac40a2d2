// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"credential-custody-service/internal/domain"
	"credential-custody-service/internal/event"
)

// DefaultMaxCommitAttempts は保存の競合・タイムアウト時に再読込して試行する上限回数。
const DefaultMaxCommitAttempts = 3

// DefaultDeliveryAttempts は1回のコミットでイベント配信を試みる上限回数。
const DefaultDeliveryAttempts = 3

// deliveryRetryDelay は配信の再試行の間隔。試行ごとに倍にする。
const deliveryRetryDelay = 50 * time.Millisecond

// SubscriptionRepository は集約の永続化インターフェース。
type SubscriptionRepository interface {
	Save(ctx context.Context, sub *domain.SharedSubscription) (*domain.SharedSubscription, error)
	FindByID(ctx context.Context, id string) (*domain.SharedSubscription, error)
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// EventPublisher はコミット済みイベントの配信インターフェース。
type EventPublisher interface {
	PublishAll(ctx context.Context, events []domain.DomainEvent) error
}

// EventLog は記録済みイベントの参照インターフェース。
type EventLog interface {
	FindBySubscriptionID(ctx context.Context, subscriptionID string) ([]*domain.StoredEvent, error)
}

// Outbox は保存時に書かれた未配信イベントの配信済み記録。
type Outbox interface {
	MarkPublished(ctx context.Context, eventIDs []string) error
}

// ViewCache は読み取り用表現のキャッシュ。
//
// Get は表現と現在の世代を返し、Invalidate は世代を進める。
// SetIfCurrent は世代が変わっていない場合のみ保存するため、
// 読込と保存の間に無効化された古い表現は書き戻されない。
type ViewCache interface {
	Get(ctx context.Context, id string) (*domain.SubscriptionView, uint64, error)
	SetIfCurrent(ctx context.Context, view *domain.SubscriptionView, generation uint64) (bool, error)
	Invalidate(ctx context.Context, id string) error
}

// SubscriptionService はサブスクリプションと認証情報に関するビジネスロジックを提供する。
//
// 変更系の操作は「読込 → 集約操作 → 保存 → 配信 → イベント破棄」の順に進む。
// 保存時の ErrConcurrentModification と ErrTimeout は再読込して再試行する。
// 配信は失敗した位置から数回やり直す。それでも失敗した場合は集約を未コミットのまま返すので、
// 呼び出し元は Commit で再試行できる。アウトボックスがあれば後から再配信される。
type SubscriptionService struct {
	repo             SubscriptionRepository
	publisher        EventPublisher
	cipher           domain.CredentialCipher
	key              domain.MasterKey
	events           EventLog
	cache            ViewCache
	outbox           Outbox
	maxAttempts      int
	deliveryAttempts int
	clock            func() time.Time
}

// Option は SubscriptionService の任意設定。
type Option func(*SubscriptionService)

// WithEventLog は履歴参照に使うイベントログを設定する。
func WithEventLog(log EventLog) Option {
	return func(s *SubscriptionService) { s.events = log }
}

// WithViewCache は読み取り用表現のキャッシュを設定する。
func WithViewCache(cache ViewCache) Option {
	return func(s *SubscriptionService) { s.cache = cache }
}

// WithOutbox は保存時にイベントを書くアウトボックスを設定する。
// 設定すると配信が完了しなかった場合に ErrDeliveryPending を返す。
func WithOutbox(outbox Outbox) Option {
	return func(s *SubscriptionService) { s.outbox = outbox }
}

// WithDeliveryAttempts は1回のコミットでの配信試行回数を設定する。1未満は1として扱う。
func WithDeliveryAttempts(n int) Option {
	return func(s *SubscriptionService) {
		if n < 1 {
			n = 1
		}
		s.deliveryAttempts = n
	}
}

// WithMaxCommitAttempts は保存の試行回数の上限を設定する。1未満は1として扱う。
func WithMaxCommitAttempts(n int) Option {
	return func(s *SubscriptionService) {
		if n < 1 {
			n = 1
		}
		s.maxAttempts = n
	}
}

// WithClock は集約の時刻源を設定する。
func WithClock(clock func() time.Time) Option {
	return func(s *SubscriptionService) { s.clock = clock }
}

// NewSubscriptionService は新しいSubscriptionServiceを生成する。
func NewSubscriptionService(repo SubscriptionRepository, publisher EventPublisher, cipher domain.CredentialCipher, key domain.MasterKey, opts ...Option) *SubscriptionService {
	s := &SubscriptionService{
		repo:             repo,
		publisher:        publisher,
		cipher:           cipher,
		key:              key,
		maxAttempts:      DefaultMaxCommitAttempts,
		deliveryAttempts: DefaultDeliveryAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSubscription は新しいサブスクリプションを作成する。secret が空でなければ認証情報も登録する。
func (s *SubscriptionService) CreateSubscription(ctx context.Context, ownerID, name string, maxMembers int, secret string) (*domain.SharedSubscription, error) {
	sub, err := domain.NewSharedSubscription("", ownerID, name, maxMembers, s.clock)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		if err := sub.IssueCredential(secret, s.key, s.cipher); err != nil {
			return nil, err
		}
	}
	return s.Commit(ctx, sub)
}

// GetSubscription はサブスクリプションの読み取り用表現を返す。
// キャッシュは読込前の世代が変わっていない場合にのみ埋める。
func (s *SubscriptionService) GetSubscription(ctx context.Context, id string) (*domain.SubscriptionView, error) {
	var (
		generation uint64
		cacheable  bool
	)
	if s.cache != nil {
		view, gen, err := s.cache.Get(ctx, id)
		switch {
		case err != nil:
			slog.WarnContext(ctx, "failed to read subscription view from cache",
				"operation", "get_subscription",
				"subscription_id", id,
				"error", err,
			)
		case view != nil:
			return view, nil
		default:
			generation, cacheable = gen, true
		}
	}

	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	view := domain.NewSubscriptionView(sub)

	if cacheable {
		stored, err := s.cache.SetIfCurrent(ctx, view, generation)
		if err != nil {
			slog.WarnContext(ctx, "failed to write subscription view to cache",
				"operation", "get_subscription",
				"subscription_id", id,
				"error", err,
			)
		} else if !stored {
			slog.DebugContext(ctx, "subscription changed while loading, view not cached",
				"operation", "get_subscription",
				"subscription_id", id,
				"version", view.Version,
			)
		}
	}
	return view, nil
}

// SetCredential は認証情報を登録する。既に登録済みの場合はローテーションする。
func (s *SubscriptionService) SetCredential(ctx context.Context, id, secret string) (*domain.SharedSubscription, error) {
	return s.mutate(ctx, id, "set_credential", func(sub *domain.SharedSubscription) error {
		if sub.HasCredential() {
			return sub.RotateCredential(secret, s.key, s.cipher)
		}
		return sub.IssueCredential(secret, s.key, s.cipher)
	})
}

// RevokeCredential は認証情報を破棄する。
func (s *SubscriptionService) RevokeCredential(ctx context.Context, id string) (*domain.SharedSubscription, error) {
	return s.mutate(ctx, id, "revoke_credential", func(sub *domain.SharedSubscription) error {
		return sub.RevokeCredential()
	})
}

// AddMember はメンバーを追加する。
func (s *SubscriptionService) AddMember(ctx context.Context, id, userID string) (*domain.SharedSubscription, error) {
	return s.mutate(ctx, id, "add_member", func(sub *domain.SharedSubscription) error {
		return sub.AddMember(userID)
	})
}

// RevokeMember はメンバーのアクセス権を取り消す。
func (s *SubscriptionService) RevokeMember(ctx context.Context, id, userID string) (*domain.SharedSubscription, error) {
	return s.mutate(ctx, id, "revoke_member", func(sub *domain.SharedSubscription) error {
		return sub.RevokeMember(userID)
	})
}

// CloseSubscription はサブスクリプションを終了する。
func (s *SubscriptionService) CloseSubscription(ctx context.Context, id, reason string) (*domain.SharedSubscription, error) {
	return s.mutate(ctx, id, "close_subscription", func(sub *domain.SharedSubscription) error {
		return sub.Close(reason)
	})
}

// RevealCredential はオーナーまたは有効なメンバーに認証情報を復号して返す。
func (s *SubscriptionService) RevealCredential(ctx context.Context, id, requesterID string) (string, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	return sub.RevealCredential(requesterID, s.key, s.cipher)
}

// DeleteSubscription は終了済みのサブスクリプションを削除する。履歴はイベントログに残る。
func (s *SubscriptionService) DeleteSubscription(ctx context.Context, id string) error {
	sub, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status() != domain.SubscriptionStatusClosed {
		return fmt.Errorf("%w: subscription must be closed before deletion", domain.ErrDomainValidation)
	}

	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if !deleted {
		return domain.ErrSubscriptionNotFound
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			slog.WarnContext(ctx, "failed to drop subscription view from cache",
				"operation", "delete_subscription",
				"subscription_id", id,
				"error", err,
			)
		}
	}
	return nil
}

// History は記録済みイベントを発生順に返す。
func (s *SubscriptionService) History(ctx context.Context, id string) ([]*domain.StoredEvent, error) {
	if s.events == nil {
		return nil, domain.ErrNotImplemented
	}
	exists, err := s.repo.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("checking subscription: %w", err)
	}
	events, err := s.events.FindBySubscriptionID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	// 削除済みでも履歴が残っていれば返す
	if !exists && len(events) == 0 {
		return nil, domain.ErrSubscriptionNotFound
	}
	return events, nil
}

// Commit は集約を保存し、未コミットイベントを配信してから破棄する。
// どちらかが失敗した場合、集約は未コミットのまま残るので同じ集約で再試行できる。
// 配信に失敗した場合は保存済みの集約とエラーの両方を返す。
// 再試行では配信済みのイベントも再び配信されうる（少なくとも1回）。
func (s *SubscriptionService) Commit(ctx context.Context, sub *domain.SharedSubscription) (*domain.SharedSubscription, error) {
	saved, err := s.repo.Save(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("saving subscription: %w", err)
	}
	return s.publish(ctx, saved)
}

func (s *SubscriptionService) publish(ctx context.Context, sub *domain.SharedSubscription) (*domain.SharedSubscription, error) {
	events := sub.DomainEvents()
	delivered, err := s.deliver(ctx, sub.ID(), events)
	s.markPublished(ctx, sub.ID(), delivered)
	if err != nil {
		slog.ErrorContext(ctx, "failed to publish domain events",
			"operation", "commit",
			"subscription_id", sub.ID(),
			"pending_events", len(events)-len(delivered),
			"outbox", s.outbox != nil,
			"error", err,
		)
		if s.outbox != nil {
			return sub, fmt.Errorf("%w: %w", domain.ErrDeliveryPending, err)
		}
		return sub, fmt.Errorf("publishing events: %w", err)
	}
	sub.ClearDomainEvents()
	return sub, nil
}

// deliver はイベントを順に配信する。失敗した場合はその位置から deliveryAttempts 回までやり直す。
// 配信できたイベントのIDを発生順に返す。
func (s *SubscriptionService) deliver(ctx context.Context, id string, events []domain.DomainEvent) ([]string, error) {
	var (
		delivered []string
		err       error
	)
	pending := events
	delay := deliveryRetryDelay
	for attempt := 1; attempt <= s.deliveryAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			slog.WarnContext(ctx, "retrying event delivery",
				"operation", "commit",
				"subscription_id", id,
				"attempt", attempt,
				"pending_events", len(pending),
				"error", err,
			)
			if werr := wait(ctx, delay); werr != nil {
				return delivered, err
			}
			delay *= 2
		}

		err = s.publisher.PublishAll(ctx, pending)
		if err == nil {
			return append(delivered, eventIDs(pending)...), nil
		}
		var perr *event.PublishError
		if errors.As(err, &perr) && perr.Index > 0 && perr.Index <= len(pending) {
			delivered = append(delivered, eventIDs(pending[:perr.Index])...)
			pending = pending[perr.Index:]
		}
	}
	return delivered, err
}

// markPublished はアウトボックスに配信済みを記録する。
// 失敗しても配信は済んでいるため、再配信されうることを記録するだけにする。
func (s *SubscriptionService) markPublished(ctx context.Context, id string, eventIDs []string) {
	if s.outbox == nil || len(eventIDs) == 0 {
		return
	}
	if err := s.outbox.MarkPublished(ctx, eventIDs); err != nil {
		slog.WarnContext(ctx, "failed to mark events published, they may be delivered again",
			"operation", "commit",
			"subscription_id", id,
			"events", len(eventIDs),
			"error", err,
		)
	}
}

func eventIDs(events []domain.DomainEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID()
	}
	return ids
}

// wait は d だけ待つ。コンテキストが先に終わった場合はそのエラーを返す。
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// mutate は集約を読み込んで fn を適用し、コミットする。
// 保存が競合またはタイムアウトした場合は最新の状態を読み直して fn からやり直す。
// fn が返すドメインエラーは再試行しない。
func (s *SubscriptionService) mutate(ctx context.Context, id, op string, fn func(*domain.SharedSubscription) error) (*domain.SharedSubscription, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		sub, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sub); err != nil {
			return nil, err
		}

		saved, err := s.repo.Save(ctx, sub)
		if err == nil {
			return s.publish(ctx, saved)
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("saving subscription: %w", err)
		}

		lastErr = err
		slog.WarnContext(ctx, "retrying after save failure",
			"operation", op,
			"subscription_id", id,
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, fmt.Errorf("saving subscription after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *SubscriptionService) load(ctx context.Context, id string) (*domain.SharedSubscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading subscription: %w", err)
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrConcurrentModification) || errors.Is(err, domain.ErrTimeout)
}
