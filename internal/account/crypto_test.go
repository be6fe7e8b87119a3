package account

import (
	"strings"
	"testing"
)

func TestCryptoRoundTrip(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	for _, plaintext := range []string{"", "short", strings.Repeat("long-token-", 50)} {
		enc, err := c.Encrypt(plaintext, tokenSalt)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		if !strings.Contains(enc, ":") {
			t.Fatalf("ciphertext missing iv separator: %q", enc)
		}

		dec, err := c.Decrypt(enc, tokenSalt)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if dec != plaintext {
			t.Fatalf("roundtrip: got %q, want %q", dec, plaintext)
		}
	}
}

func TestCryptoRandomIV(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	a, _ := c.Encrypt("same input", tokenSalt)
	b, _ := c.Encrypt("same input", tokenSalt)
	if a == b {
		t.Fatal("two encryptions of the same input should differ")
	}
}

func TestCryptoDecryptBadInput(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	for _, bad := range []string{"", "no-separator", "zz:zz", "abcd:12"} {
		if _, err := c.Decrypt(bad, tokenSalt); err == nil {
			t.Errorf("Decrypt(%q) should fail", bad)
		}
	}
}

func TestCryptoWrongKeyFails(t *testing.T) {
	enc, err := NewCrypto("key-one").Encrypt("secret", tokenSalt)
	if err != nil {
		t.Fatal(err)
	}

	dec, err := NewCrypto("key-two").Decrypt(enc, tokenSalt)
	if err == nil && dec == "secret" {
		t.Fatal("wrong key decrypted the token")
	}
}

func TestHashAPIKey(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	h1 := c.HashAPIKey("cr_abc")
	h2 := c.HashAPIKey("cr_abc")
	if h1 != h2 {
		t.Fatal("hash not deterministic")
	}
	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64", len(h1))
	}
	if c.HashAPIKey("cr_other") == h1 {
		t.Fatal("different keys should hash differently")
	}
}
