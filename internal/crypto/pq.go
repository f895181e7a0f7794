// Package crypto: ChaCha20-Poly1305 sealing, HKDF/HMAC key derivation and ML-KEM-768 for peer links.
package crypto

import (
	"filippo.io/mlkem768"
)

// PQKEM holds a peer's encapsulation key; the dialing side encapsulates.
type PQKEM struct {
	Enc []byte
}

// NewPQKEMFromEnc stores enc key (1184 bytes).
func NewPQKEMFromEnc(encKey []byte) (*PQKEM, error) {
	if len(encKey) != mlkem768.EncapsulationKeySize {
		return nil, ErrKeySize
	}
	return &PQKEM{Enc: encKey}, nil
}

// Encapsulate generates secret + ciphertext; caller sends ciphertext to peer.
func (p *PQKEM) Encapsulate() (sharedSecret []byte, ciphertext []byte, err error) {
	ciphertext, sharedSecret, err = mlkem768.Encapsulate(p.Enc)
	if err != nil {
		return nil, nil, err
	}
	return sharedSecret, ciphertext, nil
}

// Decapsulate recovers secret from ciphertext (decap key).
func Decapsulate(decapKey *mlkem768.DecapsulationKey, ciphertext []byte) ([]byte, error) {
	return mlkem768.Decapsulate(decapKey, ciphertext)
}

// GenerateKeyPair ML-KEM-768 key pair (listening side).
func GenerateKeyPair() (enc []byte, decap *mlkem768.DecapsulationKey, err error) {
	decap, err = mlkem768.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	enc = decap.EncapsulationKey()
	return enc, decap, nil
}
