package infra

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"credential-custody-service/config"
	"credential-custody-service/internal/domain"
)

// ErrMasterKeyNotConfigured はマスターキーが設定されていない場合のエラー。
var ErrMasterKeyNotConfigured = errors.New("master key is not configured: set MASTER_KEY or MASTER_KEY_CIPHERTEXT")

// KeyDecrypter はラップされたマスターキーを復号する。
type KeyDecrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// LoadMasterKey は起動時にマスターキーを取得する。
// MASTER_KEY_CIPHERTEXT が設定されていれば KMS で復号し、そうでなければ MASTER_KEY を使う。
// エラーには鍵の値を含めない。
func LoadMasterKey(ctx context.Context, cfg *config.Config, kms KeyDecrypter) (domain.MasterKey, error) {
	var raw []byte
	switch {
	case cfg.MasterKeyCiphertext != "":
		if kms == nil {
			return nil, fmt.Errorf("MASTER_KEY_CIPHERTEXT requires KMS_KEY_NAME")
		}
		wrapped, err := base64.StdEncoding.DecodeString(cfg.MasterKeyCiphertext)
		if err != nil {
			return nil, fmt.Errorf("MASTER_KEY_CIPHERTEXT is not valid base64")
		}
		raw, err = kms.Decrypt(ctx, wrapped)
		if err != nil {
			return nil, fmt.Errorf("unwrapping master key: %w", err)
		}
	case cfg.MasterKey != "":
		var err error
		raw, err = base64.StdEncoding.DecodeString(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("MASTER_KEY is not valid base64")
		}
	default:
		return nil, ErrMasterKeyNotConfigured
	}

	key := domain.MasterKey(raw)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return key, nil
}
