// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
)

// MasterKeySize はマスターキーのバイト長（AES-256 / XChaCha20 共通）。
const MasterKeySize = 32

const redacted = "[REDACTED]"

// MasterKey は呼び出し元から渡される鍵素材。
// このサブシステムは生成・永続化・ローテーションを行わない。
// fmt・slog・JSON のいずれで出力しても中身は伏せられる。
type MasterKey []byte

// String は鍵素材を伏せた文字列を返す。
func (MasterKey) String() string { return redacted }

// GoString は %#v 出力でも鍵素材を伏せる。
func (MasterKey) GoString() string { return redacted }

// LogValue は slog 出力時に鍵素材を伏せる。
func (MasterKey) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalText は鍵素材をシリアライズしない。
func (MasterKey) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// MarshalJSON は鍵素材をシリアライズしない。
func (MasterKey) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Validate は鍵長を検証する。
func (k MasterKey) Validate() error {
	if len(k) != MasterKeySize {
		return ErrInvalidKeyLength
	}
	return nil
}

// EncryptedEnvelope は保存時の秘密情報。
// ciphertext・nonce・authTag は常に三つ組で生成・消費され、生成後は変更されない。
// ローテーションでは新しいエンベロープを作る。
type EncryptedEnvelope struct {
	ciphertext []byte
	nonce      []byte
	authTag    []byte
}

// NewEncryptedEnvelope は三つ組からエンベロープを生成する。引数はコピーされる。
func NewEncryptedEnvelope(ciphertext, nonce, authTag []byte) EncryptedEnvelope {
	return EncryptedEnvelope{
		ciphertext: clone(ciphertext),
		nonce:      clone(nonce),
		authTag:    clone(authTag),
	}
}

// Ciphertext は暗号文のコピーを返す。
func (e EncryptedEnvelope) Ciphertext() []byte { return clone(e.ciphertext) }

// Nonce は nonce のコピーを返す。
func (e EncryptedEnvelope) Nonce() []byte { return clone(e.nonce) }

// AuthTag は認証タグのコピーを返す。
func (e EncryptedEnvelope) AuthTag() []byte { return clone(e.authTag) }

// IsZero はエンベロープが空かどうかを返す。
func (e EncryptedEnvelope) IsZero() bool {
	return len(e.ciphertext) == 0 && len(e.nonce) == 0 && len(e.authTag) == 0
}

// Equal は三つ組がすべて一致するかを返す。
func (e EncryptedEnvelope) Equal(other EncryptedEnvelope) bool {
	return bytes.Equal(e.ciphertext, other.ciphertext) &&
		bytes.Equal(e.nonce, other.nonce) &&
		bytes.Equal(e.authTag, other.authTag)
}

// Record はエンベロープを保存・転送形式に変換する。
func (e EncryptedEnvelope) Record() EnvelopeRecord {
	return EnvelopeRecord{
		Ciphertext: base64.StdEncoding.EncodeToString(e.ciphertext),
		IV:         base64.StdEncoding.EncodeToString(e.nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(e.authTag),
	}
}

// EnvelopeRecord はエンベロープの保存・転送形式。
type EnvelopeRecord struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

// Envelope は保存形式をデコードしてエンベロープに戻す。
func (r EnvelopeRecord) Envelope() (EncryptedEnvelope, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(r.Ciphertext)
	if err != nil {
		return EncryptedEnvelope{}, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(r.IV)
	if err != nil {
		return EncryptedEnvelope{}, fmt.Errorf("decoding iv: %w", err)
	}
	authTag, err := base64.StdEncoding.DecodeString(r.AuthTag)
	if err != nil {
		return EncryptedEnvelope{}, fmt.Errorf("decoding auth tag: %w", err)
	}
	return EncryptedEnvelope{ciphertext: ciphertext, nonce: nonce, authTag: authTag}, nil
}

// CredentialCipher は秘密情報のエンベロープ暗号化を行う。
// 実装は状態を持たず、鍵素材や平文をログに出してはならない。
type CredentialCipher interface {
	Encrypt(plaintext string, key MasterKey) (EncryptedEnvelope, error)
	Decrypt(envelope EncryptedEnvelope, key MasterKey) (string, error)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
