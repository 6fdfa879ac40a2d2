// Package crypto は認証情報のエンベロープ暗号化を提供する。
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"credential-custody-service/internal/domain"
)

// Algorithm は AEAD 方式を表す。
type Algorithm string

const (
	// AlgorithmAESGCM は AES-256-GCM（nonce 12バイト、タグ 16バイト）。
	AlgorithmAESGCM Algorithm = "aes-256-gcm"
	// AlgorithmXChaCha20 は XChaCha20-Poly1305（nonce 24バイト、タグ 16バイト）。
	AlgorithmXChaCha20 Algorithm = "xchacha20-poly1305"
)

// AEADCipher は domain.CredentialCipher の実装。
// 状態を持たないため複数のゴルーチンから共有できる。
type AEADCipher struct {
	algorithm Algorithm
	newAEAD   func(key []byte) (cipher.AEAD, error)
	random    io.Reader
}

// NewAESGCMCipher は AES-256-GCM の暗号器を生成する。
func NewAESGCMCipher() *AEADCipher {
	return &AEADCipher{algorithm: AlgorithmAESGCM, newAEAD: newAESGCM, random: rand.Reader}
}

// NewXChaCha20Cipher は XChaCha20-Poly1305 の暗号器を生成する。
func NewXChaCha20Cipher() *AEADCipher {
	return &AEADCipher{algorithm: AlgorithmXChaCha20, newAEAD: chacha20poly1305.NewX, random: rand.Reader}
}

// New は方式名から暗号器を生成する。空文字列は AES-256-GCM とみなす。
func New(algorithm string) (*AEADCipher, error) {
	switch Algorithm(algorithm) {
	case "", AlgorithmAESGCM:
		return NewAESGCMCipher(), nil
	case AlgorithmXChaCha20:
		return NewXChaCha20Cipher(), nil
	default:
		return nil, fmt.Errorf("unsupported cipher algorithm %q", algorithm)
	}
}

// Algorithm は方式名を返す。
func (c *AEADCipher) Algorithm() Algorithm { return c.algorithm }

// Encrypt は平文を暗号化し、暗号文・nonce・認証タグの三つ組を返す。
// nonce は暗号論的乱数から毎回生成する。
func (c *AEADCipher) Encrypt(plaintext string, key domain.MasterKey) (domain.EncryptedEnvelope, error) {
	aead, err := c.aead(key)
	if err != nil {
		return domain.EncryptedEnvelope{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return domain.EncryptedEnvelope{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - aead.Overhead()
	return domain.NewEncryptedEnvelope(sealed[:split], nonce, sealed[split:]), nil
}

// Decrypt はエンベロープを復号する。
// 検証に失敗した場合は部分的な平文を返さず ErrAuthenticationFailure を返す。
// 失敗の原因（タグ・nonce・鍵）はエラーに含めない。
func (c *AEADCipher) Decrypt(envelope domain.EncryptedEnvelope, key domain.MasterKey) (string, error) {
	aead, err := c.aead(key)
	if err != nil {
		return "", err
	}

	nonce := envelope.Nonce()
	tag := envelope.AuthTag()
	if len(nonce) != aead.NonceSize() || len(tag) != aead.Overhead() {
		return "", domain.ErrAuthenticationFailure
	}

	sealed := append(envelope.Ciphertext(), tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", domain.ErrAuthenticationFailure
	}
	return string(plaintext), nil
}

func (c *AEADCipher) aead(key domain.MasterKey) (cipher.AEAD, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, domain.ErrInvalidKeyLength
	}
	return aead, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
