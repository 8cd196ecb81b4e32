package dispense

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caremesh/rxauth/internal/domain/request"
	"github.com/caremesh/rxauth/internal/token"
)

func testSetup(t *testing.T) (*token.Signer, *token.Issuer, *MemoryLedger, *Verifier) {
	t.Helper()
	signer, err := token.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("signer creation failed: %v", err)
	}
	issuer := token.NewIssuer(signer, time.Hour)
	ledger := NewMemoryLedger()
	return signer, issuer, ledger, NewVerifier(signer, ledger, nil)
}

func issueAndPresent(t *testing.T, issuer *token.Issuer, controlled bool) *token.Presented {
	t.Helper()
	lines := []request.MedicationLine{{Name: "Amoxicillin", Strength: "500mg", Quantity: 21, Repeat: true}}
	if controlled {
		lines = []request.MedicationLine{{Name: "Tramadol", Strength: "50mg", Quantity: 20}}
	}
	tok, err := issuer.Issue("req-1", "facility-1", lines, controlled)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	presented, err := token.Decode(tok.Encoded())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return presented
}

func TestVerifyAndDispenseAccepts(t *testing.T) {
	_, issuer, ledger, verifier := testSetup(t)
	presented := issueAndPresent(t, issuer, false)

	result, err := verifier.VerifyAndDispense(context.Background(), presented, "pharmacy-9", "")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("result = %+v, want accepted", result)
	}

	rec, err := ledger.Get(context.Background(), presented.Payload.TokenID)
	if err != nil || rec == nil {
		t.Fatalf("ledger entry missing after dispense: rec=%v err=%v", rec, err)
	}
	if rec.Outcome != OutcomeDispensed || rec.PartyID != "pharmacy-9" {
		t.Fatalf("ledger entry = %+v", rec)
	}
}

func TestReplayIsRejected(t *testing.T) {
	_, issuer, _, verifier := testSetup(t)
	presented := issueAndPresent(t, issuer, false)

	first, err := verifier.VerifyAndDispense(context.Background(), presented, "pharmacy-1", "")
	if err != nil || !first.Accepted {
		t.Fatalf("first presentation: result=%+v err=%v", first, err)
	}

	second, err := verifier.VerifyAndDispense(context.Background(), presented, "pharmacy-2", "")
	if err != nil {
		t.Fatalf("second presentation errored: %v", err)
	}
	if second.Accepted || second.Reason != ReasonAlreadyDispensed {
		t.Fatalf("second presentation = %+v, want ALREADY_DISPENSED", second)
	}
}

func TestConcurrentPresentationExactlyOneAccepted(t *testing.T) {
	_, issuer, _, verifier := testSetup(t)
	presented := issueAndPresent(t, issuer, false)

	const n = 32
	results := make([]*Result, n)
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			r, err := verifier.VerifyAndDispense(context.Background(), presented, "pharmacy", "")
			if err != nil {
				t.Errorf("goroutine %d errored: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}

	close(start)
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r != nil && r.Accepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d, want exactly 1", accepted)
	}
}

func TestTamperedPayloadRejectedGenerically(t *testing.T) {
	_, issuer, ledger, verifier := testSetup(t)
	presented := issueAndPresent(t, issuer, false)

	// Flip one byte of the presented payload; the signature no longer matches.
	presented.Raw[len(presented.Raw)/2] ^= 0x01

	result, err := verifier.VerifyAndDispense(context.Background(), presented, "pharmacy-1", "")
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if result.Accepted || result.Reason != ReasonInvalidToken {
		t.Fatalf("result = %+v, want generic INVALID_TOKEN", result)
	}

	// Nothing may be consumed by a failed integrity check.
	rec, _ := ledger.Get(context.Background(), presented.Payload.TokenID)
	if rec != nil {
		t.Fatalf("ledger mutated by invalid token: %+v", rec)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	_, issuer, ledger, verifier := testSetup(t)
	presented := issueAndPresent(t, issuer, false)

	verifier.now = func() time.Time {
		return presented.Payload.ExpiresAt.Add(time.Minute)
	}

	result, err := verifier.VerifyAndDispense(context.Background(), presented, "pharmacy-1", "")
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if result.Accepted || result.Reason != ReasonExpired {
		t.Fatalf("result = %+v, want EXPIRED", result)
	}

	rec, _ := ledger.Get(context.Background(), presented.Payload.TokenID)
	if rec != nil {
		t.Fatalf("ledger mutated by expired token: %+v", rec)
	}
}

func TestControlledRequiresIDProof(t *testing.T) {
	_, issuer, ledger, verifier := testSetup(t)
	presented := issueAndPresent(t, issuer, true)

	result, err := verifier.VerifyAndDispense(context.Background(), presented, "pharmacy-1", "")
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if result.Accepted || result.Reason != ReasonIDRequired {
		t.Fatalf("result = %+v, want ID_REQUIRED", result)
	}

	// The precondition failure must not consume the token.
	if rec, _ := ledger.Get(context.Background(), presented.Payload.TokenID); rec != nil {
		t.Fatalf("ledger mutated before ID proof: %+v", rec)
	}

	// Same token with proof succeeds.
	result, err = verifier.VerifyAndDispense(context.Background(), presented, "pharmacy-1", "DL-1234")
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("result = %+v, want accepted with ID proof", result)
	}
}

func TestStoredRejectionReasonReported(t *testing.T) {
	_, issuer, ledger, verifier := testSetup(t)
	presented := issueAndPresent(t, issuer, false)

	// A prior rejected entry for this token id, e.g. recorded by a
	// reconciliation job.
	claimed, _, err := ledger.Claim(context.Background(), &Record{
		TokenID:   presented.Payload.TokenID,
		RequestID: presented.Payload.RequestID,
		Outcome:   OutcomeRejected,
		Reason:    ReasonExpired,
		PartyID:   "pharmacy-0",
	})
	if err != nil || !claimed {
		t.Fatalf("seed claim: claimed=%v err=%v", claimed, err)
	}

	result, err := verifier.VerifyAndDispense(context.Background(), presented, "pharmacy-1", "")
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if result.Accepted || result.Reason != ReasonExpired {
		t.Fatalf("result = %+v, want stored reason %s", result, ReasonExpired)
	}
}

func TestMemoryLedgerClaimAtomicity(t *testing.T) {
	ledger := NewMemoryLedger()

	const n = 64
	var wg sync.WaitGroup
	claims := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, _, err := ledger.Claim(context.Background(), &Record{
				TokenID: "tok-1",
				Outcome: OutcomeDispensed,
				PartyID: "p",
			})
			if err != nil {
				t.Errorf("claim errored: %v", err)
				return
			}
			claims[i] = claimed
		}(i)
	}
	wg.Wait()

	count := 0
	for _, c := range claims {
		if c {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("claims succeeded = %d, want exactly 1", count)
	}
}
