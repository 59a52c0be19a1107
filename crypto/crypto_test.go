package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	if _, err := NewAESEncryptor(""); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := NewAESEncryptor("not-base64!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := NewAESEncryptor(short); err == nil {
		t.Error("short key accepted")
	}
	if _, err := NewAESEncryptor(testKey(t)); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	plaintext := []byte("pm_ref_4242424242424242")
	ct, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Error("ciphertext contains plaintext")
	}
	got, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}

	// Same plaintext, fresh nonce, different ciphertext.
	ct2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if bytes.Equal(ct, ct2) {
		t.Error("nonce reuse: identical ciphertexts")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0x01
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("tampered ciphertext accepted")
	}
	if _, err := enc.Decrypt([]byte("short")); err == nil {
		t.Error("truncated ciphertext accepted")
	}

	// A different key cannot decrypt.
	other, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	ct[len(ct)-1] ^= 0x01 // restore
	if _, err := other.Decrypt(ct); err == nil {
		t.Error("wrong key accepted")
	}
}

func TestEncryptStringRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	encoded, err := EncryptString(enc, "pm_tok_abc")
	if err != nil {
		t.Fatalf("encrypt string: %v", err)
	}
	got, err := DecryptString(enc, encoded)
	if err != nil {
		t.Fatalf("decrypt string: %v", err)
	}
	if got != "pm_tok_abc" {
		t.Errorf("round trip = %q", got)
	}
	if _, err := DecryptString(enc, "%%%not-base64"); err == nil {
		t.Error("invalid base64 accepted")
	}
}
