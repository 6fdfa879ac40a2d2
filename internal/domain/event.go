package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// イベント種別。
const (
	EventSubscriptionCreated = "SubscriptionCreated"
	EventCredentialIssued    = "CredentialIssued"
	EventCredentialRotated   = "CredentialRotated"
	EventCredentialRevoked   = "CredentialRevoked"
	EventMemberAdded         = "MemberAdded"
	EventMemberRevoked       = "MemberRevoked"
	EventSubscriptionClosed  = "SubscriptionClosed"
)

// DomainEvent は集約に起きた出来事の不変な記録。
// 具象イベントは値型で、フィールドがそのままペイロードになる。
type DomainEvent interface {
	EventID() string
	EventType() string
	OccurredOn() time.Time
	AggregateID() string
}

// EventMeta は全イベント共通の属性。
type EventMeta struct {
	ID             string    `json:"event_id"`
	SubscriptionID string    `json:"subscription_id"`
	At             time.Time `json:"occurred_on"`
}

func (m EventMeta) EventID() string       { return m.ID }
func (m EventMeta) OccurredOn() time.Time { return m.At }
func (m EventMeta) AggregateID() string   { return m.SubscriptionID }

// SubscriptionCreated はサブスクリプション作成時に発行される。
type SubscriptionCreated struct {
	EventMeta
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	MaxMembers int    `json:"max_members"`
}

func (SubscriptionCreated) EventType() string { return EventSubscriptionCreated }

// CredentialIssued は最初の認証情報が登録されたときに発行される。
type CredentialIssued struct {
	EventMeta
	Credential EnvelopeRecord `json:"credential"`
}

func (CredentialIssued) EventType() string { return EventCredentialIssued }

// CredentialRotated は認証情報が新しいエンベロープに置き換えられたときに発行される。
// 旧エンベロープの履歴はこのイベントにのみ残る。
type CredentialRotated struct {
	EventMeta
	Previous   EnvelopeRecord `json:"previous"`
	Credential EnvelopeRecord `json:"credential"`
}

func (CredentialRotated) EventType() string { return EventCredentialRotated }

// CredentialRevoked は認証情報が破棄されたときに発行される。
type CredentialRevoked struct {
	EventMeta
	Previous EnvelopeRecord `json:"previous"`
}

func (CredentialRevoked) EventType() string { return EventCredentialRevoked }

// MemberAdded はメンバー追加時に発行される。
type MemberAdded struct {
	EventMeta
	UserID string `json:"user_id"`
}

func (MemberAdded) EventType() string { return EventMemberAdded }

// MemberRevoked はメンバーのアクセス権が取り消されたときに発行される。
type MemberRevoked struct {
	EventMeta
	UserID string `json:"user_id"`
}

func (MemberRevoked) EventType() string { return EventMemberRevoked }

// SubscriptionClosed はサブスクリプション終了時に発行される。
type SubscriptionClosed struct {
	EventMeta
	Reason string `json:"reason,omitempty"`
}

func (SubscriptionClosed) EventType() string { return EventSubscriptionClosed }

// StoredEvent は監査ログに記録されたイベント。履歴はこの記録からのみ導出する。
type StoredEvent struct {
	ID             string
	SubscriptionID string
	EventType      string
	Payload        []byte
	OccurredOn     time.Time
	RecordedAt     time.Time
}

// DecodeEvent は種別とJSONペイロードから具象イベントを復元する。
func DecodeEvent(eventType string, payload []byte) (DomainEvent, error) {
	var (
		e   DomainEvent
		err error
	)
	switch eventType {
	case EventSubscriptionCreated:
		e, err = decodeAs[SubscriptionCreated](payload)
	case EventCredentialIssued:
		e, err = decodeAs[CredentialIssued](payload)
	case EventCredentialRotated:
		e, err = decodeAs[CredentialRotated](payload)
	case EventCredentialRevoked:
		e, err = decodeAs[CredentialRevoked](payload)
	case EventMemberAdded:
		e, err = decodeAs[MemberAdded](payload)
	case EventMemberRevoked:
		e, err = decodeAs[MemberRevoked](payload)
	case EventSubscriptionClosed:
		e, err = decodeAs[SubscriptionClosed](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", eventType, err)
	}
	return e, nil
}

func decodeAs[T DomainEvent](payload []byte) (DomainEvent, error) {
	var e T
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return e, nil
}
