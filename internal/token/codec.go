package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/caremesh/rxauth/internal/domain/rxerr"
)

// The wire form is base64url(payload) + "." + base64url(signature). The QR
// rendering and scanning layers treat it as an opaque string; this codec is
// the pure serialization in both directions.

// Encode produces the wire form from raw payload bytes and signature.
func Encode(raw, signature []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(signature)
}

// Presented is a token as scanned at a dispensing point. Raw holds the exact
// presented payload bytes; verification recomputes the code over these bytes,
// never over a re-serialization.
type Presented struct {
	Raw       []byte
	Signature []byte
	Payload   Payload
}

// Decode parses a presented wire-form token. Malformed input is a validation
// error; signature checking is the verifier's job, not the codec's.
func Decode(s string) (*Presented, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return nil, rxerr.Validationf("token", "token must have payload and signature segments")
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, rxerr.Wrap(rxerr.CodeValidation, "token", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, rxerr.Wrap(rxerr.CodeValidation, "token", err)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, rxerr.Wrap(rxerr.CodeValidation, "token", err)
	}
	if payload.TokenID == "" {
		return nil, rxerr.Validationf("token", "token id is missing from payload")
	}

	return &Presented{Raw: raw, Signature: sig, Payload: payload}, nil
}
