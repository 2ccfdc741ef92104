package crypto

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return []byte("0123456789ABCDEF")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	env, err := NewEnvelope(testKey())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	orig := []byte("hello fragment!!")
	block := append([]byte(nil), orig...)

	if err := env.Encrypt(block); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(block, orig) {
		t.Fatalf("Encrypt did not change plaintext")
	}
	if err := env.Decrypt(block); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(block, orig) {
		t.Fatalf("round trip mismatch: got %q, want %q", block, orig)
	}
}

func TestNewEnvelopeRejectsBadKeySize(t *testing.T) {
	if _, err := NewEnvelope([]byte("short")); err != ErrInvalidKeySize {
		t.Fatalf("err = %v, want ErrInvalidKeySize", err)
	}
}

func TestEncryptRejectsBadBlockSize(t *testing.T) {
	env, _ := NewEnvelope(testKey())
	if err := env.Encrypt([]byte("tooshort")); err != ErrInvalidBlockSize {
		t.Fatalf("err = %v, want ErrInvalidBlockSize", err)
	}
}

func TestSameKeyOnEveryNode(t *testing.T) {
	a, _ := NewEnvelope(testKey())
	b, _ := NewEnvelope(testKey())

	block := []byte("shared secret!!!")
	orig := append([]byte(nil), block...)
	if err := a.Encrypt(block); err != nil {
		t.Fatal(err)
	}
	if err := b.Decrypt(block); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block, orig) {
		t.Fatalf("cross-node round trip mismatch")
	}
}
