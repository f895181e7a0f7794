package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize for ChaCha20-Poly1305 and derived keys.
	KeySize = chacha20poly1305.KeySize
	// NonceSize for ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize
	// Overhead is nonce + tag added by Seal.
	Overhead = NonceSize + chacha20poly1305.Overhead
)

var (
	ErrKeySize    = errors.New("crypto: bad key size")
	ErrCiphertext = errors.New("crypto: ciphertext too short")
)

// Seal encrypts with key; nonce drawn from rand and prepended to result.
func Seal(rand io.Reader, key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts (first NonceSize = nonce) with key.
func Open(key, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < Overhead {
		return nil, ErrCiphertext
	}
	nonce, ct := ciphertext[:NonceSize], ciphertext[NonceSize:]
	return aead.Open(nil, nonce, ct, nil)
}

// DeriveKey HKDF-SHA256(secret, salt, info) -> 32 bytes.
func DeriveKey(secret, salt []byte, info string) []byte {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	// hkdf can only fail past 255*32 bytes of output
	_, _ = io.ReadFull(r, out)
	return out
}

// HMAC returns HMAC-SHA256(key, msg).
func HMAC(key, msg []byte) [32]byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	var out [32]byte
	copy(out[:], m.Sum(nil))
	return out
}
