// Package token implements signed, time-limited, single-use authorization
// tokens: the artifact handed to a patient once a request is authorized.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

// Signer produces and checks message authentication codes over canonical
// payload bytes with a server-held secret. It is stateless and carries no
// business knowledge.
type Signer struct {
	key []byte
}

// MinKeyBytes is the minimum accepted signing key length.
const MinKeyBytes = 32

// NewSigner creates a signer. The key never leaves the server.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeyBytes {
		return nil, errors.New("signing key must be at least 32 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// Sign returns the HMAC-SHA256 code over payload.
func (s *Signer) Sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify recomputes the code over payload and compares in constant time.
func (s *Signer) Verify(payload, signature []byte) bool {
	return hmac.Equal(s.Sign(payload), signature)
}
