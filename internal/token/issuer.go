package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caremesh/rxauth/internal/domain/request"
)

// DefaultTTL is the default expiry horizon for issued tokens.
const DefaultTTL = 30 * 24 * time.Hour

// Token is the distributable artifact: the canonical payload bytes and the
// signature over them. Exactly one token exists per authorized request; once
// issued it is immutable.
type Token struct {
	Payload   Payload
	Raw       []byte
	Signature []byte
}

// Encoded returns the wire form handed to the patient.
func (t *Token) Encoded() string {
	return Encode(t.Raw, t.Signature)
}

// Issuer builds and signs authorization tokens for approved requests.
type Issuer struct {
	signer *Signer
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer with the given expiry horizon. A non-positive
// ttl falls back to DefaultTTL.
func NewIssuer(signer *Signer, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{signer: signer, ttl: ttl, now: time.Now}
}

// Issue builds the canonical payload over the lines exactly as authorized and
// signs it. The token id is freshly generated with 128 bits of entropy and is
// the replay/consumption key at the dispensing point.
func (i *Issuer) Issue(requestID, facilityID string, approvedLines []request.MedicationLine, controlled bool) (*Token, error) {
	id, err := newTokenID()
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}

	issued := i.now().UTC().Truncate(time.Second)
	payload := Payload{
		TokenID:    id,
		RequestID:  requestID,
		FacilityID: facilityID,
		Lines:      approvedLines,
		Controlled: controlled,
		IssuedAt:   issued,
		ExpiresAt:  issued.Add(i.ttl),
	}

	raw, err := payload.Canonical()
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	return &Token{
		Payload:   payload,
		Raw:       raw,
		Signature: i.signer.Sign(raw),
	}, nil
}

func newTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
