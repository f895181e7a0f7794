package store

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const tokenBytes = 24

// newToken returns a random bearer token: 24 bytes, unpadded base64url.
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("store: generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
