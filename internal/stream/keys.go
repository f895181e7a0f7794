package stream

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"dev.c0redev.ilp/internal/crypto"
	"dev.c0redev.ilp/internal/ilp"
)

const (
	infoEncryption   = "ilp_stream_encryption"
	infoFulfillment  = "ilp_stream_fulfillment"
	infoSharedSecret = "ilp_stream_shared_secret"

	// SharedSecretSize is the length of secrets handed out over SPSP.
	SharedSecretSize = 32
	tokenSize        = 18
)

// keys derived once per connection from the shared secret.
type keys struct {
	encryption  []byte
	fulfillment []byte
}

func deriveKeys(sharedSecret []byte) keys {
	return keys{
		encryption:  crypto.DeriveKey(sharedSecret, nil, infoEncryption),
		fulfillment: crypto.DeriveKey(sharedSecret, nil, infoFulfillment),
	}
}

// fulfillmentFor is HMAC(fulfillmentKey, data); the condition is its sha256.
func (k keys) fulfillmentFor(data []byte) [32]byte {
	return crypto.HMAC(k.fulfillment, data)
}

// connectionKey identifies a connection by its secret, never by caller-supplied ids.
func connectionKey(sharedSecret []byte) string {
	sum := sha256.Sum256(sharedSecret)
	return hex.EncodeToString(sum[:16])
}

// ConnectionGenerator hands out (address, shared secret) pairs derived from one server secret,
// so the receiver can re-derive the secret from the destination address alone.
type ConnectionGenerator struct {
	secret []byte
	rand   io.Reader
}

// NewConnectionGenerator; rand is the token source (crypto/rand.Reader in production).
func NewConnectionGenerator(serverSecret []byte, rand io.Reader) *ConnectionGenerator {
	return &ConnectionGenerator{secret: append([]byte(nil), serverSecret...), rand: rand}
}

// Generate returns base.<token> and its shared secret.
func (g *ConnectionGenerator) Generate(base ilp.Address) (ilp.Address, []byte, error) {
	nonce := make([]byte, tokenSize)
	if _, err := io.ReadFull(g.rand, nonce); err != nil {
		return "", nil, err
	}
	token := base64.RawURLEncoding.EncodeToString(nonce)
	addr, err := base.With(token)
	if err != nil {
		return "", nil, err
	}
	return addr, g.secretFor(nonce), nil
}

func (g *ConnectionGenerator) secretFor(nonce []byte) []byte {
	return crypto.DeriveKey(g.secret, nonce, infoSharedSecret)
}

// Rederive returns the shared secret for dest, which must be base.<token>[.more].
func (g *ConnectionGenerator) Rederive(base, dest ilp.Address) ([]byte, error) {
	rest, ok := strings.CutPrefix(string(dest), string(base)+".")
	if !ok {
		return nil, fmt.Errorf("%s is not under %s", dest, base)
	}
	token, _, _ := strings.Cut(rest, ".")
	nonce, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(nonce) != tokenSize {
		return nil, fmt.Errorf("malformed connection token %q", token)
	}
	return g.secretFor(nonce), nil
}
