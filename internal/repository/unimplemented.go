package repository

import (
	"context"

	"credential-custody-service/internal/domain"
)

// UnimplementedSubscriptionRepository は全操作が ErrNotImplemented を返すリポジトリ。
// 一部の操作だけを実装するストアに埋め込んで使う。
// 呼び出された場合はドメインエラーではなく配線の不備を意味する。
type UnimplementedSubscriptionRepository struct{}

func (UnimplementedSubscriptionRepository) Save(context.Context, *domain.SharedSubscription) (*domain.SharedSubscription, error) {
	return nil, domain.ErrNotImplemented
}

func (UnimplementedSubscriptionRepository) FindByID(context.Context, string) (*domain.SharedSubscription, error) {
	return nil, domain.ErrNotImplemented
}

func (UnimplementedSubscriptionRepository) Delete(context.Context, string) (bool, error) {
	return false, domain.ErrNotImplemented
}

func (UnimplementedSubscriptionRepository) Exists(context.Context, string) (bool, error) {
	return false, domain.ErrNotImplemented
}
