package event

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"credential-custody-service/internal/domain"
)

func rotatedEvent(id string) domain.DomainEvent {
	return domain.CredentialRotated{
		EventMeta: domain.EventMeta{ID: id, SubscriptionID: "sub-1", At: time.Now()},
	}
}

// recorder は呼び出し順を記録するテスト用ハンドラを生成する。
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string, err error) HandlerFunc {
	return func(ctx context.Context, e domain.DomainEvent) error {
		r.mu.Lock()
		r.calls = append(r.calls, name+":"+e.EventID())
		r.mu.Unlock()
		return err
	}
}

func TestPublisher_InvokesHandlersInRegistrationOrder(t *testing.T) {
	p := NewPublisher()
	rec := &recorder{}
	p.RegisterHandler(domain.EventCredentialRotated, rec.handler("H1", nil))
	p.RegisterHandler(domain.EventCredentialRotated, rec.handler("H2", nil))
	p.RegisterHandler(domain.EventCredentialRotated, rec.handler("H3", nil))
	p.RegisterHandler(domain.EventMemberAdded, rec.handler("other", nil))

	if err := p.Publish(context.Background(), rotatedEvent("e1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	want := []string{"H1:e1", "H2:e1", "H3:e1"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("want %v, got %v", want, rec.calls)
	}
}

func TestPublisher_FailFast(t *testing.T) {
	p := NewPublisher()
	rec := &recorder{}
	boom := errors.New("boom")
	p.RegisterHandler(domain.EventCredentialRotated, rec.handler("H1", nil))
	p.RegisterHandler(domain.EventCredentialRotated, rec.handler("H2", boom))
	p.RegisterHandler(domain.EventCredentialRotated, rec.handler("H3", nil))

	err := p.Publish(context.Background(), rotatedEvent("e1"))
	if !errors.Is(err, domain.ErrHandlerFailure) {
		t.Fatalf("want ErrHandlerFailure, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("want wrapped handler error, got %v", err)
	}
	var herr *HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("want *HandlerError, got %T", err)
	}
	if herr.HandlerIndex != 1 {
		t.Errorf("want handler index 1, got %d", herr.HandlerIndex)
	}

	want := []string{"H1:e1", "H2:e1"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("want %v, got %v", want, rec.calls)
	}
}

func TestPublisher_NoHandlers(t *testing.T) {
	p := NewPublisher()
	if err := p.Publish(context.Background(), rotatedEvent("e1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPublisher_PublishAllStopsAtFirstFailure(t *testing.T) {
	p := NewPublisher()
	rec := &recorder{}
	boom := errors.New("boom")
	p.RegisterHandlerFunc(domain.EventCredentialRotated, func(ctx context.Context, e domain.DomainEvent) error {
		var err error
		if e.EventID() == "e2" {
			err = boom
		}
		return rec.handler("H", err)(ctx, e)
	})

	events := []domain.DomainEvent{rotatedEvent("e1"), rotatedEvent("e2"), rotatedEvent("e3")}
	err := p.PublishAll(context.Background(), events)

	var perr *PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("want *PublishError, got %v", err)
	}
	if perr.Index != 1 {
		t.Errorf("want failed index 1, got %d", perr.Index)
	}
	if !errors.Is(err, domain.ErrHandlerFailure) {
		t.Errorf("want ErrHandlerFailure in chain, got %v", err)
	}
	want := []string{"H:e1", "H:e2"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("want %v, got %v", want, rec.calls)
	}
}

func TestPublisher_PublishAllInOrder(t *testing.T) {
	p := NewPublisher()
	rec := &recorder{}
	p.RegisterHandler(domain.EventCredentialRotated, rec.handler("H", nil))

	events := []domain.DomainEvent{rotatedEvent("e1"), rotatedEvent("e2"), rotatedEvent("e3")}
	if err := p.PublishAll(context.Background(), events); err != nil {
		t.Fatalf("PublishAll failed: %v", err)
	}
	want := []string{"H:e1", "H:e2", "H:e3"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("want %v, got %v", want, rec.calls)
	}
}

func TestPublisher_Timeout(t *testing.T) {
	p := NewPublisher()
	rec := &recorder{}
	p.RegisterHandler(domain.EventCredentialRotated, rec.handler("H1", nil))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := p.Publish(ctx, rotatedEvent("e1"))
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("no handler should run after the deadline, got %v", rec.calls)
	}
}

func TestPublisher_HandlerDeadlineIsTimeout(t *testing.T) {
	p := NewPublisher()
	p.RegisterHandlerFunc(domain.EventCredentialRotated, func(ctx context.Context, e domain.DomainEvent) error {
		return context.DeadlineExceeded
	})

	err := p.Publish(context.Background(), rotatedEvent("e1"))
	if !errors.Is(err, domain.ErrTimeout) || !errors.Is(err, domain.ErrHandlerFailure) {
		t.Errorf("want ErrTimeout and ErrHandlerFailure, got %v", err)
	}
}

func TestPublisher_IsolatedInstances(t *testing.T) {
	a, b := NewPublisher(), NewPublisher()
	a.RegisterHandler(domain.EventCredentialRotated, HandlerFunc(func(context.Context, domain.DomainEvent) error { return nil }))
	if b.HandlerCount(domain.EventCredentialRotated) != 0 {
		t.Error("publishers must not share registries")
	}
	if a.HandlerCount(domain.EventCredentialRotated) != 1 {
		t.Errorf("want 1 handler, got %d", a.HandlerCount(domain.EventCredentialRotated))
	}
}

func TestPublisher_ConcurrentRegisterAndPublish(t *testing.T) {
	p := NewPublisher()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.RegisterHandler(domain.EventCredentialRotated, HandlerFunc(func(context.Context, domain.DomainEvent) error { return nil }))
		}()
		go func() {
			defer wg.Done()
			_ = p.Publish(context.Background(), rotatedEvent("e"))
		}()
	}
	wg.Wait()
	if got := p.HandlerCount(domain.EventCredentialRotated); got != 10 {
		t.Errorf("want 10 handlers, got %d", got)
	}
}
