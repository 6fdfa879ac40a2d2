package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestEnvelopeRecord_RoundTrip(t *testing.T) {
	env := NewEncryptedEnvelope(
		[]byte{0x00, 0xff, 0x10, 0x80, 0x7f},
		bytes.Repeat([]byte{0xab}, 12),
		bytes.Repeat([]byte{0xcd}, 16),
	)

	raw, err := json.Marshal(env.Record())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("want exactly 3 fields, got %v", decoded)
	}
	for _, k := range []string{"ciphertext", "iv", "authTag"} {
		if _, ok := decoded[k]; !ok {
			t.Errorf("missing field %s in %s", k, raw)
		}
	}

	var record EnvelopeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	got, err := record.Envelope()
	if err != nil {
		t.Fatalf("Envelope failed: %v", err)
	}
	if !bytes.Equal(got.Ciphertext(), env.Ciphertext()) ||
		!bytes.Equal(got.Nonce(), env.Nonce()) ||
		!bytes.Equal(got.AuthTag(), env.AuthTag()) {
		t.Errorf("round trip mismatch: want %+v, got %+v", env.Record(), got.Record())
	}
	if got.Record() != record {
		t.Errorf("re-encoding changed the record: want %+v, got %+v", record, got.Record())
	}
}

func TestEnvelopeRecord_InvalidBase64(t *testing.T) {
	tests := []EnvelopeRecord{
		{Ciphertext: "!!!", IV: "", AuthTag: ""},
		{Ciphertext: "", IV: "%%", AuthTag: ""},
		{Ciphertext: "", IV: "", AuthTag: "@@"},
	}
	for _, r := range tests {
		if _, err := r.Envelope(); err == nil {
			t.Errorf("expected decode error for %+v", r)
		}
	}
}

func TestEncryptedEnvelope_Immutable(t *testing.T) {
	ct := []byte("cipher")
	env := NewEncryptedEnvelope(ct, []byte("nonce"), []byte("tag"))

	ct[0] = 'X'
	if env.Ciphertext()[0] != 'c' {
		t.Error("envelope must not alias constructor input")
	}

	out := env.Ciphertext()
	out[0] = 'Y'
	if env.Ciphertext()[0] != 'c' {
		t.Error("envelope must not expose internal buffers")
	}
}

func TestMasterKey_Redaction(t *testing.T) {
	key := MasterKey(bytes.Repeat([]byte("k"), MasterKeySize))

	raw, err := json.Marshal(struct {
		Key MasterKey `json:"key"`
	}{key})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if bytes.Contains(raw, []byte("kkkk")) {
		t.Errorf("json output leaks key: %s", raw)
	}
	if key.String() != "[REDACTED]" {
		t.Errorf("want [REDACTED], got %s", key.String())
	}
}

func TestMasterKey_Validate(t *testing.T) {
	if err := MasterKey(make([]byte, 32)).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := MasterKey(make([]byte, 16)).Validate(); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("want ErrInvalidKeyLength, got %v", err)
	}
}
