package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus はサブスクリプションのステータスを表す。
type SubscriptionStatus string

const (
	// SubscriptionStatusActive は共有中のサブスクリプション。
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusClosed は終了したサブスクリプション。
	SubscriptionStatusClosed SubscriptionStatus = "closed"
)

// MemberStatus はメンバーシップのステータスを表す。
type MemberStatus string

const (
	MemberStatusActive  MemberStatus = "active"
	MemberStatusRevoked MemberStatus = "revoked"
)

// Member はグループのメンバーシップ。
type Member struct {
	UserID    string
	Status    MemberStatus
	JoinedAt  time.Time
	RevokedAt *time.Time
}

// SharedSubscription は共有サブスクリプションの集約。
// 認証情報・メンバーシップ・ステータスの変更はすべてこの集約を通す。
type SharedSubscription struct {
	AggregateRoot

	ownerID    string
	name       string
	maxMembers int
	status     SubscriptionStatus
	credential *EncryptedEnvelope
	members    []Member
	createdAt  time.Time
	updatedAt  time.Time
}

// SubscriptionSnapshot は永続化された状態から集約を復元するための値。
type SubscriptionSnapshot struct {
	ID         string
	Version    uint
	OwnerID    string
	Name       string
	MaxMembers int
	Status     SubscriptionStatus
	Credential *EncryptedEnvelope
	Members    []Member
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewSharedSubscription は新しいサブスクリプションを作成し、SubscriptionCreated を記録する。
// id が空の場合は UUID を採番する。
func NewSharedSubscription(id, ownerID, name string, maxMembers int, clock func() time.Time) (*SharedSubscription, error) {
	if ownerID == "" {
		return nil, ErrInvalidUserID
	}
	if maxMembers < 1 {
		return nil, ErrInvalidMaxMembers
	}
	if id == "" {
		id = uuid.NewString()
	}

	s := &SharedSubscription{
		AggregateRoot: NewAggregateRoot(id, 0, clock),
		ownerID:       ownerID,
		name:          name,
		maxMembers:    maxMembers,
		status:        SubscriptionStatusActive,
	}
	at := s.now()
	if err := s.record(SubscriptionCreated{
		EventMeta:  s.meta(at),
		OwnerID:    ownerID,
		Name:       name,
		MaxMembers: maxMembers,
	}); err != nil {
		return nil, err
	}
	s.createdAt = at
	s.updatedAt = at
	return s, nil
}

// RestoreSharedSubscription はスナップショットから集約を復元する。イベントは記録しない。
func RestoreSharedSubscription(snap SubscriptionSnapshot, clock func() time.Time) *SharedSubscription {
	members := make([]Member, len(snap.Members))
	copy(members, snap.Members)
	return &SharedSubscription{
		AggregateRoot: NewAggregateRoot(snap.ID, snap.Version, clock),
		ownerID:       snap.OwnerID,
		name:          snap.Name,
		maxMembers:    snap.MaxMembers,
		status:        snap.Status,
		credential:    snap.Credential,
		members:       members,
		createdAt:     snap.CreatedAt,
		updatedAt:     snap.UpdatedAt,
	}
}

// Snapshot は現在の状態を返す。未コミットイベントは含まない。
func (s *SharedSubscription) Snapshot() SubscriptionSnapshot {
	members := make([]Member, len(s.members))
	copy(members, s.members)
	return SubscriptionSnapshot{
		ID:         s.ID(),
		Version:    s.Version(),
		OwnerID:    s.ownerID,
		Name:       s.name,
		MaxMembers: s.maxMembers,
		Status:     s.status,
		Credential: s.credential,
		Members:    members,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
}

func (s *SharedSubscription) OwnerID() string            { return s.ownerID }
func (s *SharedSubscription) Name() string               { return s.name }
func (s *SharedSubscription) MaxMembers() int            { return s.maxMembers }
func (s *SharedSubscription) Status() SubscriptionStatus { return s.status }
func (s *SharedSubscription) CreatedAt() time.Time       { return s.createdAt }
func (s *SharedSubscription) UpdatedAt() time.Time       { return s.updatedAt }
func (s *SharedSubscription) HasCredential() bool        { return s.credential != nil }

// Credential は現在の認証情報エンベロープを返す。
func (s *SharedSubscription) Credential() (EncryptedEnvelope, bool) {
	if s.credential == nil {
		return EncryptedEnvelope{}, false
	}
	return *s.credential, true
}

// Members はメンバー一覧のコピーを返す。
func (s *SharedSubscription) Members() []Member {
	out := make([]Member, len(s.members))
	copy(out, s.members)
	return out
}

// ActiveMemberCount は有効なメンバー数を返す。オーナーは含まない。
func (s *SharedSubscription) ActiveMemberCount() int {
	n := 0
	for _, m := range s.members {
		if m.Status == MemberStatusActive {
			n++
		}
	}
	return n
}

// IssueCredential は最初の認証情報を暗号化して登録する。
func (s *SharedSubscription) IssueCredential(secret string, key MasterKey, cipher CredentialCipher) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if s.credential != nil {
		return ErrCredentialAlreadyIssued
	}
	if secret == "" {
		return ErrEmptySecret
	}

	envelope, err := cipher.Encrypt(secret, key)
	if err != nil {
		return err
	}

	at := s.now()
	if err := s.record(CredentialIssued{
		EventMeta:  s.meta(at),
		Credential: envelope.Record(),
	}); err != nil {
		return err
	}
	s.credential = &envelope
	s.updatedAt = at
	return nil
}

// RotateCredential は新しい秘密情報で認証情報を置き換える。
// 既存のエンベロープは変更せず、新しいエンベロープを生成する。
func (s *SharedSubscription) RotateCredential(secret string, key MasterKey, cipher CredentialCipher) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if s.credential == nil {
		return ErrCredentialNotIssued
	}
	if secret == "" {
		return ErrEmptySecret
	}

	envelope, err := cipher.Encrypt(secret, key)
	if err != nil {
		return err
	}

	at := s.now()
	if err := s.record(CredentialRotated{
		EventMeta:  s.meta(at),
		Previous:   s.credential.Record(),
		Credential: envelope.Record(),
	}); err != nil {
		return err
	}
	s.credential = &envelope
	s.updatedAt = at
	return nil
}

// RevokeCredential は現在の認証情報を破棄する。
func (s *SharedSubscription) RevokeCredential() error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if s.credential == nil {
		return ErrCredentialNotIssued
	}

	at := s.now()
	if err := s.record(CredentialRevoked{
		EventMeta: s.meta(at),
		Previous:  s.credential.Record(),
	}); err != nil {
		return err
	}
	s.credential = nil
	s.updatedAt = at
	return nil
}

// AddMember はメンバーを追加する。取り消し済みのメンバーは再加入できる。
func (s *SharedSubscription) AddMember(userID string) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if userID == "" {
		return ErrInvalidUserID
	}
	if userID == s.ownerID {
		return ErrAlreadyMember
	}
	idx := s.memberIndex(userID)
	if idx >= 0 && s.members[idx].Status == MemberStatusActive {
		return ErrAlreadyMember
	}
	if s.ActiveMemberCount() >= s.maxMembers {
		return ErrGroupFull
	}

	at := s.now()
	if err := s.record(MemberAdded{EventMeta: s.meta(at), UserID: userID}); err != nil {
		return err
	}
	member := Member{UserID: userID, Status: MemberStatusActive, JoinedAt: at}
	if idx >= 0 {
		s.members[idx] = member
	} else {
		s.members = append(s.members, member)
	}
	s.updatedAt = at
	return nil
}

// RevokeMember はメンバーのアクセス権を取り消す。
func (s *SharedSubscription) RevokeMember(userID string) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	idx := s.memberIndex(userID)
	if idx < 0 {
		return ErrMemberNotFound
	}
	if s.members[idx].Status == MemberStatusRevoked {
		return ErrAlreadyRevoked
	}

	at := s.now()
	if err := s.record(MemberRevoked{EventMeta: s.meta(at), UserID: userID}); err != nil {
		return err
	}
	s.members[idx].Status = MemberStatusRevoked
	s.members[idx].RevokedAt = &at
	s.updatedAt = at
	return nil
}

// Close はサブスクリプションを終了する。
// 認証情報は破棄され、全メンバーのアクセス権が取り消される。
func (s *SharedSubscription) Close(reason string) error {
	if s.status == SubscriptionStatusClosed {
		return ErrAlreadyRevoked
	}

	at := s.now()
	if err := s.record(SubscriptionClosed{EventMeta: s.meta(at), Reason: reason}); err != nil {
		return err
	}
	s.status = SubscriptionStatusClosed
	s.credential = nil
	for i := range s.members {
		if s.members[i].Status == MemberStatusActive {
			s.members[i].Status = MemberStatusRevoked
			s.members[i].RevokedAt = &at
		}
	}
	s.updatedAt = at
	return nil
}

// CanAccess はオーナーまたは有効なメンバーかを返す。
func (s *SharedSubscription) CanAccess(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == s.ownerID {
		return true
	}
	idx := s.memberIndex(userID)
	return idx >= 0 && s.members[idx].Status == MemberStatusActive
}

// RevealCredential はアクセス権を持つ利用者に認証情報を復号して返す。状態は変更しない。
func (s *SharedSubscription) RevealCredential(requesterID string, key MasterKey, cipher CredentialCipher) (string, error) {
	if err := s.ensureActive(); err != nil {
		return "", err
	}
	if !s.CanAccess(requesterID) {
		return "", ErrAccessDenied
	}
	if s.credential == nil {
		return "", ErrCredentialNotIssued
	}
	return cipher.Decrypt(*s.credential, key)
}

func (s *SharedSubscription) ensureActive() error {
	if s.status != SubscriptionStatusActive {
		return ErrSubscriptionClosed
	}
	return nil
}

func (s *SharedSubscription) memberIndex(userID string) int {
	for i, m := range s.members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *SharedSubscription) meta(at time.Time) EventMeta {
	return EventMeta{ID: uuid.NewString(), SubscriptionID: s.ID(), At: at}
}

// record はイベントを追加する。状態を変更する前に呼び、失敗した場合は状態を変えずにエラーを返す。
func (s *SharedSubscription) record(e DomainEvent) error {
	return s.AddDomainEvent(e)
}
