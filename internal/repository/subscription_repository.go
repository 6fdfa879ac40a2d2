// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"credential-custody-service/internal/domain"
)

// SharedSubscriptionModel はgorm用のモデル定義。
// 認証情報は保存形式（base64 の三つ組）のまま保持する。
type SharedSubscriptionModel struct {
	ID                   string    `gorm:"type:char(36);primaryKey"`
	OwnerID              string    `gorm:"type:varchar(64);not null;index:idx_owner_id"`
	Name                 string    `gorm:"type:varchar(255);not null"`
	MaxMembers           int       `gorm:"not null"`
	Status               string    `gorm:"type:varchar(16);not null;default:'active'"`
	CredentialCiphertext *string   `gorm:"type:text"`
	CredentialIV         *string   `gorm:"type:varchar(64)"`
	CredentialAuthTag    *string   `gorm:"type:varchar(64)"`
	Version              uint      `gorm:"not null"`
	CreatedAt            time.Time `gorm:"type:datetime(6);not null"`
	UpdatedAt            time.Time `gorm:"type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (SharedSubscriptionModel) TableName() string {
	return "shared_subscriptions"
}

// SubscriptionMemberModel はメンバーシップのモデル定義。
type SubscriptionMemberModel struct {
	SubscriptionID string     `gorm:"type:char(36);primaryKey"`
	UserID         string     `gorm:"type:varchar(64);primaryKey"`
	Status         string     `gorm:"type:varchar(16);not null"`
	JoinedAt       time.Time  `gorm:"type:datetime(6);not null"`
	RevokedAt      *time.Time `gorm:"type:datetime(6)"`
}

// TableName はテーブル名を返す。
func (SubscriptionMemberModel) TableName() string {
	return "subscription_members"
}

func newSubscriptionModel(snap domain.SubscriptionSnapshot, version uint) *SharedSubscriptionModel {
	m := &SharedSubscriptionModel{
		ID:         snap.ID,
		OwnerID:    snap.OwnerID,
		Name:       snap.Name,
		MaxMembers: snap.MaxMembers,
		Status:     string(snap.Status),
		Version:    version,
		CreatedAt:  snap.CreatedAt,
		UpdatedAt:  snap.UpdatedAt,
	}
	if snap.Credential != nil {
		r := snap.Credential.Record()
		m.CredentialCiphertext = &r.Ciphertext
		m.CredentialIV = &r.IV
		m.CredentialAuthTag = &r.AuthTag
	}
	return m
}

// toSnapshot はモデルをスナップショットに変換する。
func (m *SharedSubscriptionModel) toSnapshot(members []SubscriptionMemberModel) (domain.SubscriptionSnapshot, error) {
	snap := domain.SubscriptionSnapshot{
		ID:         m.ID,
		Version:    m.Version,
		OwnerID:    m.OwnerID,
		Name:       m.Name,
		MaxMembers: m.MaxMembers,
		Status:     domain.SubscriptionStatus(m.Status),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		Members:    make([]domain.Member, len(members)),
	}
	if m.CredentialCiphertext != nil && m.CredentialIV != nil && m.CredentialAuthTag != nil {
		env, err := domain.EnvelopeRecord{
			Ciphertext: *m.CredentialCiphertext,
			IV:         *m.CredentialIV,
			AuthTag:    *m.CredentialAuthTag,
		}.Envelope()
		if err != nil {
			return domain.SubscriptionSnapshot{}, err
		}
		snap.Credential = &env
	}
	for i, mm := range members {
		snap.Members[i] = domain.Member{
			UserID:    mm.UserID,
			Status:    domain.MemberStatus(mm.Status),
			JoinedAt:  mm.JoinedAt,
			RevokedAt: mm.RevokedAt,
		}
	}
	return snap, nil
}

// SubscriptionRepository は SharedSubscription 集約の永続化を提供する。
type SubscriptionRepository struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSubscriptionRepository は新しいSubscriptionRepositoryを生成する。
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, clock: time.Now}
}

// Save は集約と未コミットイベントを単一トランザクションで保存し、バージョンを1つ進める。
// 保存済みバージョンが集約のバージョンより進んでいる場合は ErrConcurrentModification を返す。
func (r *SubscriptionRepository) Save(ctx context.Context, sub *domain.SharedSubscription) (*domain.SharedSubscription, error) {
	snap := sub.Snapshot()
	next := snap.Version + 1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := newSubscriptionModel(snap, next)

		if snap.Version == 0 {
			var count int64
			if err := tx.Model(&SharedSubscriptionModel{}).Where("id = ?", snap.ID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return domain.ErrConcurrentModification
			}
			if err := tx.Create(model).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.ErrConcurrentModification
				}
				return err
			}
		} else {
			res := tx.Model(&SharedSubscriptionModel{}).
				Where("id = ? AND version = ?", snap.ID, snap.Version).
				Updates(map[string]interface{}{
					"owner_id":              model.OwnerID,
					"name":                  model.Name,
					"max_members":           model.MaxMembers,
					"status":                model.Status,
					"credential_ciphertext": model.CredentialCiphertext,
					"credential_iv":         model.CredentialIV,
					"credential_auth_tag":   model.CredentialAuthTag,
					"version":               next,
					"updated_at":            model.UpdatedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrConcurrentModification
			}
		}

		if err := tx.Where("subscription_id = ?", snap.ID).Delete(&SubscriptionMemberModel{}).Error; err != nil {
			return err
		}
		if len(snap.Members) > 0 {
			members := make([]SubscriptionMemberModel, len(snap.Members))
			for i, m := range snap.Members {
				members[i] = SubscriptionMemberModel{
					SubscriptionID: snap.ID,
					UserID:         m.UserID,
					Status:         string(m.Status),
					JoinedAt:       m.JoinedAt,
					RevokedAt:      m.RevokedAt,
				}
			}
			if err := tx.Create(&members).Error; err != nil {
				return err
			}
		}

		// 未コミットイベントは状態と同じトランザクションでアウトボックスに書く
		return appendOutbox(tx, sub.DomainEvents(), r.clock().UTC())
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			slog.WarnContext(ctx, "version conflict on save",
				"operation", "save",
				"subscription_id", snap.ID,
				"version", snap.Version,
			)
			return nil, err
		}
		slog.ErrorContext(ctx, "failed to save subscription",
			"operation", "save",
			"subscription_id", snap.ID,
			"version", snap.Version,
			"error", err,
		)
		return nil, wrapError(ctx, "save", err)
	}

	sub.SetVersion(next)
	return sub, nil
}

// FindByID は指定されたIDの集約を取得する。存在しない場合は nil を返す。
func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*domain.SharedSubscription, error) {
	var model SharedSubscriptionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find subscription",
			"operation", "find_by_id",
			"subscription_id", id,
			"error", err,
		)
		return nil, wrapError(ctx, "find_by_id", err)
	}

	var members []SubscriptionMemberModel
	err = r.db.WithContext(ctx).
		Where("subscription_id = ?", id).
		Order("joined_at ASC, user_id ASC").
		Find(&members).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find subscription members",
			"operation", "find_by_id",
			"subscription_id", id,
			"error", err,
		)
		return nil, wrapError(ctx, "find_by_id", err)
	}

	snap, err := model.toSnapshot(members)
	if err != nil {
		slog.ErrorContext(ctx, "stored credential is malformed",
			"operation", "find_by_id",
			"subscription_id", id,
		)
		return nil, domain.RepositoryError("find_by_id", err)
	}
	return domain.RestoreSharedSubscription(snap, r.clock), nil
}

// Delete は集約とメンバーシップを削除する。削除した場合は true を返す。
func (r *SubscriptionRepository) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscription_id = ?", id).Delete(&SubscriptionMemberModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&SharedSubscriptionModel{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete subscription",
			"operation", "delete",
			"subscription_id", id,
			"error", err,
		)
		return false, wrapError(ctx, "delete", err)
	}
	return deleted, nil
}

// Exists は集約が存在するか確認する。
func (r *SubscriptionRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SharedSubscriptionModel{}).
		Where("id = ?", id).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count subscriptions",
			"operation", "exists",
			"subscription_id", id,
			"error", err,
		)
		return false, wrapError(ctx, "exists", err)
	}
	return count > 0, nil
}

// wrapError は期限切れを ErrTimeout、それ以外を ErrRepository に分類する。
func wrapError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrTimeout, op, err)
	}
	return domain.RepositoryError(op, err)
}
