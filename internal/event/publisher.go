// Package event はドメインイベントの配信を提供する。
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"credential-custody-service/internal/domain"
)

// Handler はドメインイベントの購読者。
type Handler interface {
	Handle(ctx context.Context, e domain.DomainEvent) error
}

// HandlerFunc は関数を Handler として扱うためのアダプタ。
type HandlerFunc func(ctx context.Context, e domain.DomainEvent) error

// Handle は f(ctx, e) を呼び出す。
func (f HandlerFunc) Handle(ctx context.Context, e domain.DomainEvent) error { return f(ctx, e) }

// HandlerError はハンドラの失敗を表す。ErrHandlerFailure をラップする。
type HandlerError struct {
	EventType    string
	EventID      string
	HandlerIndex int
	Err          error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%v: event %s (%s) handler #%d: %v", domain.ErrHandlerFailure, e.EventType, e.EventID, e.HandlerIndex, e.Err)
}

// Unwrap は ErrHandlerFailure と元のエラーの両方を返す。
func (e *HandlerError) Unwrap() []error { return []error{domain.ErrHandlerFailure, e.Err} }

// PublishError は PublishAll でどのイベントが失敗したかを表す。
// Index より前のイベントは配信済み、Index 以降は未配信。
type PublishError struct {
	Index int
	Event domain.DomainEvent
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing event %d (%s): %v", e.Index, e.Event.EventType(), e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Publisher はイベント種別ごとに登録されたハンドラへイベントを配信する。
// ハンドラは登録順に逐次呼び出され、最初の失敗で打ち切られる。
// インスタンスは明示的に生成して必要なコンポーネントへ渡す。
type Publisher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	tracer   trace.Tracer
}

// NewPublisher は新しい Publisher を生成する。
func NewPublisher() *Publisher {
	return &Publisher{
		handlers: make(map[string][]Handler),
		tracer:   otel.Tracer("credential-custody-service/internal/event"),
	}
}

// RegisterHandler はイベント種別のハンドラ列の末尾に handler を追加する。
func (p *Publisher) RegisterHandler(eventType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = append(p.handlers[eventType], handler)
}

// RegisterHandlerFunc は関数をハンドラとして登録する。
func (p *Publisher) RegisterHandlerFunc(eventType string, fn func(ctx context.Context, e domain.DomainEvent) error) {
	p.RegisterHandler(eventType, HandlerFunc(fn))
}

// HandlerCount は登録済みハンドラ数を返す。
func (p *Publisher) HandlerCount(eventType string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers[eventType])
}

// Publish は e.EventType() に登録されたハンドラを登録順に呼び出す。
// ハンドラが失敗した時点で残りのハンドラは呼ばずに *HandlerError を返す。
// コンテキストの期限切れは ErrTimeout として返す。
func (p *Publisher) Publish(ctx context.Context, e domain.DomainEvent) error {
	p.mu.RLock()
	handlers := append([]Handler(nil), p.handlers[e.EventType()]...)
	p.mu.RUnlock()

	ctx, span := p.tracer.Start(ctx, "event.Publish", trace.WithAttributes(
		attribute.String("event.type", e.EventType()),
		attribute.String("event.id", e.EventID()),
		attribute.String("aggregate.id", e.AggregateID()),
		attribute.Int("event.handlers", len(handlers)),
	))
	defer span.End()

	for i, h := range handlers {
		if err := ctxErr(ctx); err != nil {
			span.SetStatus(codes.Error, "context done")
			return err
		}
		if err := h.Handle(ctx, e); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
			}
			slog.ErrorContext(ctx, "event handler failed",
				"operation", "publish",
				"event_type", e.EventType(),
				"event_id", e.EventID(),
				"aggregate_id", e.AggregateID(),
				"handler_index", i,
				"error", err,
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
			return &HandlerError{
				EventType:    e.EventType(),
				EventID:      e.EventID(),
				HandlerIndex: i,
				Err:          err,
			}
		}
	}
	return nil
}

// PublishAll はイベントを順に配信し、最初の失敗で止まる。
// 失敗した場合は *PublishError でその位置を返す。
func (p *Publisher) PublishAll(ctx context.Context, events []domain.DomainEvent) error {
	for i, e := range events {
		if err := p.Publish(ctx, e); err != nil {
			return &PublishError{Index: i, Event: e, Err: err}
		}
	}
	return nil
}

func ctxErr(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	default:
		return err
	}
}
