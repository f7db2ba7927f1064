// Package cipher implements payload encryption for disk persistence and
// delivery. Authenticated modes prepend a random nonce and append the
// tag; CTR mode prepends the IV and carries no tag.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies an encryption mode.
type Algorithm uint32

const (
	None Algorithm = iota
	AES256GCM
	AES256CTR
	ChaCha20Poly1305
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case AES256GCM:
		return "aes-256-gcm"
	case AES256CTR:
		return "aes-256-ctr"
	case ChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// Parse maps a property value back to an algorithm.
func Parse(s string) (Algorithm, bool) {
	switch s {
	case "none", "":
		return None, true
	case "aes-256-gcm":
		return AES256GCM, true
	case "aes-256-ctr":
		return AES256CTR, true
	case "chacha20-poly1305":
		return ChaCha20Poly1305, true
	}
	return None, false
}

// KeySize is the required key length for every supported algorithm.
const KeySize = 32

var errKeySize = errors.New("cipher: key must be 32 bytes")

// Encrypt seals plaintext under the given algorithm and key.
func Encrypt(alg Algorithm, key, plaintext []byte) ([]byte, error) {
	if alg == None {
		return plaintext, nil
	}
	if len(key) != KeySize {
		return nil, errKeySize
	}
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := stdcipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		return sealWithNonce(aead, plaintext)
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		return sealWithNonce(aead, plaintext)
	case AES256CTR:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, err
		}
		out := make([]byte, aes.BlockSize+len(plaintext))
		copy(out, iv)
		stdcipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], plaintext)
		return out, nil
	default:
		return nil, fmt.Errorf("cipher: unsupported algorithm %d", alg)
	}
}

// Decrypt reverses Encrypt. Authenticated modes fail on tampered input.
func Decrypt(alg Algorithm, key, ciphertext []byte) ([]byte, error) {
	if alg == None {
		return ciphertext, nil
	}
	if len(key) != KeySize {
		return nil, errKeySize
	}
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := stdcipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		return openWithNonce(aead, ciphertext)
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		return openWithNonce(aead, ciphertext)
	case AES256CTR:
		if len(ciphertext) < aes.BlockSize {
			return nil, errors.New("cipher: ciphertext shorter than IV")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(ciphertext)-aes.BlockSize)
		stdcipher.NewCTR(block, ciphertext[:aes.BlockSize]).XORKeyStream(out, ciphertext[aes.BlockSize:])
		return out, nil
	default:
		return nil, fmt.Errorf("cipher: unsupported algorithm %d", alg)
	}
}

func sealWithNonce(aead stdcipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openWithNonce(aead stdcipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("cipher: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}
