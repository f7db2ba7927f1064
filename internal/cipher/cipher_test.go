package cipher

import (
	"bytes"
	"testing"
)

var key = bytes.Repeat([]byte{0x42}, KeySize)

func TestRoundTripAllAlgorithms(t *testing.T) {
	plaintext := []byte("attack at dawn")
	for _, alg := range []Algorithm{None, AES256GCM, AES256CTR, ChaCha20Poly1305} {
		sealed, err := Encrypt(alg, key, plaintext)
		if err != nil {
			t.Fatalf("%s: Encrypt failed: %v", alg, err)
		}
		got, err := Decrypt(alg, key, sealed)
		if err != nil {
			t.Fatalf("%s: Decrypt failed: %v", alg, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("%s: round trip mismatch: %q", alg, got)
		}
	}
}

func TestAuthenticatedModesDetectTampering(t *testing.T) {
	plaintext := []byte("integrity matters")
	for _, alg := range []Algorithm{AES256GCM, ChaCha20Poly1305} {
		sealed, err := Encrypt(alg, key, plaintext)
		if err != nil {
			t.Fatalf("%s: Encrypt failed: %v", alg, err)
		}
		sealed[len(sealed)-1] ^= 0xff
		if _, err := Decrypt(alg, key, sealed); err == nil {
			t.Fatalf("%s: tampered ciphertext accepted", alg)
		}
	}
}

func TestNonceUniqueness(t *testing.T) {
	a, _ := Encrypt(AES256GCM, key, []byte("same input"))
	b, _ := Encrypt(AES256GCM, key, []byte("same input"))
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions produced identical output; nonce reuse")
	}
}

func TestKeyLengthEnforced(t *testing.T) {
	short := []byte("too-short")
	for _, alg := range []Algorithm{AES256GCM, AES256CTR, ChaCha20Poly1305} {
		if _, err := Encrypt(alg, short, []byte("x")); err == nil {
			t.Fatalf("%s: short key accepted", alg)
		}
	}
}

func TestDecryptTruncatedInput(t *testing.T) {
	for _, alg := range []Algorithm{AES256GCM, AES256CTR, ChaCha20Poly1305} {
		if _, err := Decrypt(alg, key, []byte{1, 2, 3}); err == nil {
			t.Fatalf("%s: truncated ciphertext accepted", alg)
		}
	}
}
