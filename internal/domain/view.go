package domain

import "time"

// SubscriptionView は秘密情報を含まない読み取り用の表現。キャッシュにもこの形で載せる。
type SubscriptionView struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id"`
	Name          string       `json:"name"`
	MaxMembers    int          `json:"max_members"`
	Status        string       `json:"status"`
	HasCredential bool         `json:"has_credential"`
	Members       []MemberView `json:"members"`
	Version       uint         `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// MemberView はメンバーの読み取り用の表現。
type MemberView struct {
	UserID    string     `json:"user_id"`
	Status    string     `json:"status"`
	JoinedAt  time.Time  `json:"joined_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// NewSubscriptionView は集約から読み取り用の表現を作る。
func NewSubscriptionView(s *SharedSubscription) *SubscriptionView {
	members := s.Members()
	views := make([]MemberView, len(members))
	for i, m := range members {
		views[i] = MemberView{
			UserID:    m.UserID,
			Status:    string(m.Status),
			JoinedAt:  m.JoinedAt,
			RevokedAt: m.RevokedAt,
		}
	}
	return &SubscriptionView{
		ID:            s.ID(),
		OwnerID:       s.OwnerID(),
		Name:          s.Name(),
		MaxMembers:    s.MaxMembers(),
		Status:        string(s.Status()),
		HasCredential: s.HasCredential(),
		Members:       views,
		Version:       s.Version(),
		CreatedAt:     s.CreatedAt(),
		UpdatedAt:     s.UpdatedAt(),
	}
}
