package infra

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"credential-custody-service/config"
	"credential-custody-service/internal/domain"
)

// fakeDecrypter は固定の平文を返すテスト用のKMS。
type fakeDecrypter struct {
	plaintext []byte
	err       error
	got       []byte
}

func (f *fakeDecrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	f.got = ciphertext
	return f.plaintext, f.err
}

func TestLoadMasterKey(t *testing.T) {
	ctx := context.Background()
	raw := bytes.Repeat([]byte{0x07}, domain.MasterKeySize)
	encoded := base64.StdEncoding.EncodeToString(raw)

	t.Run("plain base64", func(t *testing.T) {
		key, err := LoadMasterKey(ctx, &config.Config{MasterKey: encoded}, nil)
		if err != nil {
			t.Fatalf("LoadMasterKey failed: %v", err)
		}
		if !bytes.Equal(key, raw) {
			t.Error("unexpected key material")
		}
	})

	t.Run("wrapped by KMS", func(t *testing.T) {
		kms := &fakeDecrypter{plaintext: raw}
		wrapped := base64.StdEncoding.EncodeToString([]byte("wrapped"))
		key, err := LoadMasterKey(ctx, &config.Config{MasterKeyCiphertext: wrapped, MasterKey: "ignored"}, kms)
		if err != nil {
			t.Fatalf("LoadMasterKey failed: %v", err)
		}
		if string(kms.got) != "wrapped" {
			t.Errorf("want ciphertext passed to KMS, got %q", kms.got)
		}
		if !bytes.Equal(key, raw) {
			t.Error("unexpected key material")
		}
	})

	t.Run("wrong length", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString(raw[:16])
		_, err := LoadMasterKey(ctx, &config.Config{MasterKey: short}, nil)
		if !errors.Is(err, domain.ErrInvalidKeyLength) {
			t.Errorf("want ErrInvalidKeyLength, got %v", err)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		_, err := LoadMasterKey(ctx, &config.Config{}, nil)
		if !errors.Is(err, ErrMasterKeyNotConfigured) {
			t.Errorf("want ErrMasterKeyNotConfigured, got %v", err)
		}
	})

	t.Run("ciphertext without KMS", func(t *testing.T) {
		_, err := LoadMasterKey(ctx, &config.Config{MasterKeyCiphertext: "AAAA"}, nil)
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("KMS failure", func(t *testing.T) {
		kms := &fakeDecrypter{err: errors.New("permission denied")}
		_, err := LoadMasterKey(ctx, &config.Config{MasterKeyCiphertext: "AAAA"}, kms)
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("invalid base64 is not echoed", func(t *testing.T) {
		_, err := LoadMasterKey(ctx, &config.Config{MasterKey: "not-base64!!"}, nil)
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if strings.Contains(err.Error(), "not-base64") {
			t.Errorf("error must not echo key material: %v", err)
		}
	})
}
