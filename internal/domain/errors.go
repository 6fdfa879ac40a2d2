package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKeyLength はマスターキーの長さが暗号方式の要求と一致しない場合のエラー。
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrAuthenticationFailure は認証タグの検証に失敗した場合のエラー（改ざん・鍵違い・nonce違い）。
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrDomainValidation は集約の事前条件違反を表すエラー。個別のエラーはこれをラップする。
	ErrDomainValidation = errors.New("domain validation error")

	// ErrConcurrentModification は楽観的ロックのバージョン競合エラー。
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrRepository は永続化層の障害を表すエラー。
	ErrRepository = errors.New("repository error")

	// ErrNotImplemented は未実装のポート操作が呼び出された場合のエラー。
	ErrNotImplemented = errors.New("not implemented")

	// ErrTimeout は呼び出し元の期限を超過した場合のエラー。
	ErrTimeout = errors.New("timeout")

	// ErrHandlerFailure はイベントハンドラが失敗した場合のエラー。
	ErrHandlerFailure = errors.New("handler failure")

	// ErrDeliveryPending は状態の保存後にイベント配信が完了しなかった場合のエラー。
	// イベントはアウトボックスに残っており、後で再配信される。
	ErrDeliveryPending = errors.New("event delivery pending")

	// ErrUnknownEventType は復元できないイベント種別のエラー。
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrSubscriptionNotFound は指定されたサブスクリプションが存在しない場合のエラー。
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidSubscriptionID はサブスクリプションIDの形式が不正な場合のエラー。
	ErrInvalidSubscriptionID = errors.New("invalid subscription ID")

	// ErrInvalidUserID はユーザーIDの形式が不正な場合のエラー。
	ErrInvalidUserID = errors.New("invalid user ID")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// 集約の事前条件違反。いずれも ErrDomainValidation をラップする。
var (
	ErrAlreadyRevoked          = validationError("already revoked")
	ErrSubscriptionClosed      = validationError("subscription is closed")
	ErrCredentialNotIssued     = validationError("credential not issued")
	ErrCredentialAlreadyIssued = validationError("credential already issued")
	ErrMemberNotFound          = validationError("member not found")
	ErrAlreadyMember           = validationError("already a member")
	ErrGroupFull               = validationError("group is full")
	ErrAccessDenied            = validationError("access denied")
	ErrEmptySecret             = validationError("secret is empty")
	ErrInvalidMaxMembers       = validationError("invalid max members")
	ErrEventOutOfOrder         = validationError("event occurred before the last recorded event")
)

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrDomainValidation, msg)
}

// RepositoryError は永続化層のエラーを ErrRepository として包む。
func RepositoryError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRepository, op, err)
}
