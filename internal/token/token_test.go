package token

import (
	"bytes"
	"testing"
	"time"

	"github.com/caremesh/rxauth/internal/domain/request"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testKey)
	if err != nil {
		t.Fatalf("signer creation failed: %v", err)
	}
	return s
}

func testLines() []request.MedicationLine {
	return []request.MedicationLine{
		{Name: "Tramadol", Strength: "50mg", Quantity: 20, Repeat: false},
		{Name: "Amoxicillin", Strength: "500mg", Quantity: 21, Repeat: true},
	}
}

func TestNewSignerRejectsShortKey(t *testing.T) {
	if _, err := NewSigner([]byte("too-short")); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := testSigner(t)
	payload := []byte(`{"token_id":"abc"}`)

	sig := s.Sign(payload)
	if !s.Verify(payload, sig) {
		t.Fatal("verification of own signature failed")
	}
}

func TestVerifyDetectsSingleBitMutation(t *testing.T) {
	s := testSigner(t)
	payload := []byte(`{"token_id":"abc","quantity":20}`)
	sig := s.Sign(payload)

	for i := range payload {
		mutated := make([]byte, len(payload))
		copy(mutated, payload)
		mutated[i] ^= 0x01
		if s.Verify(mutated, sig) {
			t.Fatalf("mutation at byte %d went undetected", i)
		}
	}

	for i := range sig {
		mutated := make([]byte, len(sig))
		copy(mutated, sig)
		mutated[i] ^= 0x01
		if s.Verify(payload, mutated) {
			t.Fatalf("signature mutation at byte %d went undetected", i)
		}
	}
}

func TestVerifyDifferentKeyFails(t *testing.T) {
	s := testSigner(t)
	other, err := NewSigner([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("signer creation failed: %v", err)
	}

	payload := []byte("payload")
	if other.Verify(payload, s.Sign(payload)) {
		t.Fatal("signature verified under a different key")
	}
}

func TestCanonicalDeterministicUnderLineOrder(t *testing.T) {
	lines := testLines()
	reversed := []request.MedicationLine{lines[1], lines[0]}
	issued := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	a := Payload{TokenID: "t1", RequestID: "r1", FacilityID: "f1", Lines: lines,
		IssuedAt: issued, ExpiresAt: issued.Add(DefaultTTL)}
	b := a
	b.Lines = reversed

	rawA, err := a.Canonical()
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	rawB, err := b.Canonical()
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if !bytes.Equal(rawA, rawB) {
		t.Fatalf("canonical bytes differ under line reordering:\n%s\n%s", rawA, rawB)
	}
}

func TestIssueProducesVerifiableToken(t *testing.T) {
	s := testSigner(t)
	issuer := NewIssuer(s, 0)

	tok, err := issuer.Issue("req-1", "facility-1", testLines(), true)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if len(tok.Payload.TokenID) != 32 {
		t.Errorf("token id length = %d, want 32 hex chars", len(tok.Payload.TokenID))
	}
	if !tok.Payload.Controlled {
		t.Error("controlled flag lost")
	}
	if !s.Verify(tok.Raw, tok.Signature) {
		t.Fatal("issued token does not verify")
	}

	wantExpiry := tok.Payload.IssuedAt.Add(DefaultTTL)
	if !tok.Payload.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", tok.Payload.ExpiresAt, wantExpiry)
	}
}

func TestIssueGeneratesUniqueTokenIDs(t *testing.T) {
	issuer := NewIssuer(testSigner(t), time.Hour)

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok, err := issuer.Issue("req-1", "f1", testLines(), false)
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		if _, dup := seen[tok.Payload.TokenID]; dup {
			t.Fatalf("duplicate token id %s", tok.Payload.TokenID)
		}
		seen[tok.Payload.TokenID] = struct{}{}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := testSigner(t)
	issuer := NewIssuer(s, time.Hour)

	tok, err := issuer.Issue("req-1", "facility-1", testLines(), false)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	presented, err := Decode(tok.Encoded())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if !bytes.Equal(presented.Raw, tok.Raw) {
		t.Fatal("decoded raw bytes differ from issued raw bytes")
	}
	if !bytes.Equal(presented.Signature, tok.Signature) {
		t.Fatal("decoded signature differs")
	}
	if presented.Payload.TokenID != tok.Payload.TokenID {
		t.Errorf("token id = %s, want %s", presented.Payload.TokenID, tok.Payload.TokenID)
	}
	if !s.Verify(presented.Raw, presented.Signature) {
		t.Fatal("decoded token does not verify")
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	for _, in := range []string{
		"",
		"nodot",
		"a.b.c",
		"!!!.e30",
		"e30.!!!",
		"bm90LWpzb24.c2ln", // valid base64, payload not JSON
	} {
		if _, err := Decode(in); err == nil {
			t.Errorf("Decode(%q) accepted malformed input", in)
		}
	}
}

func TestExpired(t *testing.T) {
	issued := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	p := Payload{IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)}

	if p.Expired(issued.Add(30 * time.Minute)) {
		t.Error("payload expired before its horizon")
	}
	if p.Expired(p.ExpiresAt) {
		t.Error("payload expired exactly at the boundary; expiry is exclusive")
	}
	if !p.Expired(p.ExpiresAt.Add(time.Second)) {
		t.Error("payload not expired after its horizon")
	}
}
