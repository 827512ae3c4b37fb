package cipher_test

import (
	"errors"
	"strings"
	"testing"

	"secretvault/internal/cipher"
	"secretvault/internal/domain"
)

const testMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newEngine(t *testing.T) *cipher.Engine {
	t.Helper()
	eng, err := cipher.New(testMasterKey)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func TestMasterKeyValidation(t *testing.T) {
	if _, err := cipher.New(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := cipher.New(testMasterKey[:32]); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := cipher.New(strings.Repeat("z", 64)); err == nil {
		t.Fatalf("expected error for non-hex key")
	}
	if _, err := cipher.New(testMasterKey); err != nil {
		t.Fatalf("expected 64-char hex key to be accepted: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	eng := newEngine(t)
	for _, plaintext := range []string{"", "hunter2", "multi\nline\nvalue", "emoji ✓ value"} {
		enc, err := eng.Encrypt(plaintext, "proj-1")
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		got, err := eng.Decrypt(enc, "proj-1")
		if err != nil {
			t.Fatalf("decrypt %q: %v", plaintext, err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestProjectKeyIsolation(t *testing.T) {
	eng := newEngine(t)
	enc, err := eng.Encrypt("top secret", "proj-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = eng.Decrypt(enc, "proj-2")
	if err == nil {
		t.Fatalf("expected decrypt under foreign project key to fail")
	}
	var ie cipher.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %T: %v", err, err)
	}
}

func TestTamperDetection(t *testing.T) {
	eng := newEngine(t)
	enc, err := eng.Encrypt("value", "proj-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// flip one hex digit of the tag
	tampered := enc
	if tampered.AuthTag[0] == '0' {
		tampered.AuthTag = "1" + tampered.AuthTag[1:]
	} else {
		tampered.AuthTag = "0" + tampered.AuthTag[1:]
	}
	var ie cipher.IntegrityError
	if _, err := eng.Decrypt(tampered, "proj-1"); !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError for tampered tag, got %v", err)
	}
}

func TestIVFreshness(t *testing.T) {
	eng := newEngine(t)
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		enc, err := eng.Encrypt("same plaintext", "proj-1")
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if seen[enc.IV] {
			t.Fatalf("iv reused after %d encryptions", i)
		}
		seen[enc.IV] = true
	}
}

func TestDeriveProjectKeyDeterministic(t *testing.T) {
	eng := newEngine(t)
	k1, err := eng.DeriveProjectKey("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := eng.DeriveProjectKey("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(k1) != string(k2) {
		t.Fatalf("derived key not deterministic")
	}
	other, err := eng.DeriveProjectKey("proj-2")
	if err != nil {
		t.Fatal(err)
	}
	if string(k1) == string(other) {
		t.Fatalf("distinct projects derived the same key")
	}
}

func TestDecryptRejectsMalformedEncoding(t *testing.T) {
	eng := newEngine(t)
	if _, err := eng.Decrypt(domain.EncryptedValue{Ciphertext: "!!!", IV: strings.Repeat("0", 24), AuthTag: strings.Repeat("0", 32)}, "proj-1"); err == nil {
		t.Fatalf("expected error for invalid base64 ciphertext")
	}
	if _, err := eng.Decrypt(domain.EncryptedValue{Ciphertext: "", IV: "abcd", AuthTag: strings.Repeat("0", 32)}, "proj-1"); err == nil {
		t.Fatalf("expected error for short iv")
	}
}
