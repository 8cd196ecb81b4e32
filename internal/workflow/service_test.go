package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caremesh/rxauth/internal/domain/request"
	"github.com/caremesh/rxauth/internal/domain/rxerr"
	"github.com/caremesh/rxauth/internal/domain/triage"
	"github.com/caremesh/rxauth/internal/token"
)

// memoryEventStore mirrors the Postgres repository's semantics: the version
// slot is the conflict detector, and Load rebuilds from history.
type memoryEventStore struct {
	mu     sync.Mutex
	events map[string][]*request.Event
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{events: make(map[string][]*request.Event)}
}

func (s *memoryEventStore) Save(_ context.Context, agg *request.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	stored := s.events[agg.ID()]
	baseVersion := agg.Version() - len(changes)
	if len(stored) != baseVersion {
		return rxerr.New(rxerr.CodeConflict, "version", "stale request state")
	}

	for i, e := range changes {
		e.Version = baseVersion + i + 1
		s.events[agg.ID()] = append(s.events[agg.ID()], e)
	}
	agg.ClearChanges()
	return nil
}

func (s *memoryEventStore) Load(_ context.Context, id string) (*request.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.events[id]
	if !ok {
		return nil, rxerr.New(rxerr.CodeNotFound, "request", "request not found: "+id)
	}
	agg := request.New(id)
	agg.LoadFromHistory(events)
	return agg, nil
}

// memoryTokenStore enforces one token per request like the Postgres store.
type memoryTokenStore struct {
	mu        sync.Mutex
	byRequest map[string]*token.Token
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{byRequest: make(map[string]*token.Token)}
}

func (s *memoryTokenStore) Save(_ context.Context, t *token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRequest[t.Payload.RequestID]; exists {
		return rxerr.New(rxerr.CodeConflict, "token", "token already issued for request")
	}
	s.byRequest[t.Payload.RequestID] = t
	return nil
}

func (s *memoryTokenStore) ByRequest(_ context.Context, requestID string) (*token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byRequest[requestID], nil
}

// failingOnceTokenStore rejects the first Save, as a store outage would, then
// delegates to the real in-memory store.
type failingOnceTokenStore struct {
	inner  *memoryTokenStore
	mu     sync.Mutex
	failed bool
}

func (s *failingOnceTokenStore) Save(ctx context.Context, t *token.Token) error {
	s.mu.Lock()
	first := !s.failed
	s.failed = true
	s.mu.Unlock()
	if first {
		return errors.New("token store unavailable")
	}
	return s.inner.Save(ctx, t)
}

func (s *failingOnceTokenStore) ByRequest(ctx context.Context, requestID string) (*token.Token, error) {
	return s.inner.ByRequest(ctx, requestID)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []request.Status
}

func (n *recordingNotifier) TerminalTransition(_ context.Context, _ string, status request.Status, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, status)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryEventStore, *memoryTokenStore, *recordingNotifier) {
	t.Helper()
	signer, err := token.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("signer creation failed: %v", err)
	}
	store := newMemoryEventStore()
	tokens := newMemoryTokenStore()
	notifier := &recordingNotifier{}
	svc := NewService(store, tokens, triage.Default(), token.NewIssuer(signer, time.Hour), notifier, nil)
	return svc, store, tokens, notifier
}

func repeatSubmission() SubmitInput {
	return SubmitInput{
		PatientID:  "patient-1",
		FacilityID: "facility-1",
		Lines: []request.MedicationLine{
			{Name: "Amoxicillin", Strength: "500mg", Quantity: 21, Repeat: true},
		},
	}
}

func controlledSubmission() SubmitInput {
	return SubmitInput{
		PatientID:  "patient-2",
		FacilityID: "facility-1",
		Lines: []request.MedicationLine{
			{Name: "Tramadol", Strength: "50mg", Quantity: 20, Repeat: false},
		},
	}
}

func TestSubmitRoutineRepeat(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	sub, err := svc.Submit(context.Background(), repeatSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if sub.Status != request.StatusPharmacistReview {
		t.Errorf("status = %s, want PHARMACIST_REVIEW", sub.Status)
	}
	if sub.Assignment.Category != request.CategoryRoutineRepeat {
		t.Errorf("category = %s, want routine-repeat", sub.Assignment.Category)
	}
}

func TestSubmitValidationFailsFast(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	in := repeatSubmission()
	in.Lines = nil
	if _, err := svc.Submit(context.Background(), in); rxerr.CodeOf(err) != rxerr.CodeValidation {
		t.Fatalf("error code = %v, want VALIDATION", rxerr.CodeOf(err))
	}
	if len(store.events) != 0 {
		t.Fatal("invalid submission persisted")
	}
}

func TestRoutineRepeatEndToEnd(t *testing.T) {
	svc, _, tokens, notifier := newTestService(t)

	sub, err := svc.Submit(context.Background(), repeatSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	dec, err := svc.Decide(context.Background(), DecideInput{
		RequestID:  sub.RequestID,
		ReviewerID: "pharm-1",
		Role:       request.RolePharmacist,
		Action:     request.ActionApprove,
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if dec.Status != request.StatusAuthorized {
		t.Fatalf("status = %s, want AUTHORIZED", dec.Status)
	}
	if dec.Token == "" {
		t.Fatal("no token returned on authorization")
	}

	stored, _ := tokens.ByRequest(context.Background(), sub.RequestID)
	if stored == nil {
		t.Fatal("token not persisted")
	}
	if stored.Encoded() != dec.Token {
		t.Fatal("returned token differs from stored token")
	}

	if len(notifier.calls) != 1 || notifier.calls[0] != request.StatusAuthorized {
		t.Fatalf("notifier calls = %v, want one AUTHORIZED", notifier.calls)
	}
}

func TestControlledEndToEnd(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	sub, err := svc.Submit(context.Background(), controlledSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if sub.Assignment.Category != request.CategoryControlled {
		t.Fatalf("category = %s, want controlled-substance", sub.Assignment.Category)
	}

	// Pharmacist approval on a controlled request escalates instead of
	// authorizing.
	dec, err := svc.Decide(context.Background(), DecideInput{
		RequestID:  sub.RequestID,
		ReviewerID: "pharm-1",
		Role:       request.RolePharmacist,
		Action:     request.ActionApprove,
	})
	if err != nil {
		t.Fatalf("pharmacist decide failed: %v", err)
	}
	if dec.Status != request.StatusEscalated {
		t.Fatalf("status = %s, want ESCALATED", dec.Status)
	}
	if dec.Token != "" {
		t.Fatal("token issued before physician decision")
	}

	dec, err = svc.Decide(context.Background(), DecideInput{
		RequestID:  sub.RequestID,
		ReviewerID: "phys-1",
		Role:       request.RolePhysician,
		Action:     request.ActionApprove,
	})
	if err != nil {
		t.Fatalf("physician decide failed: %v", err)
	}
	if dec.Status != request.StatusAuthorized {
		t.Fatalf("status = %s, want AUTHORIZED", dec.Status)
	}
	if dec.Token == "" {
		t.Fatal("no token returned on physician authorization")
	}

	// Controlled flag must ride in the token payload for the dispensing point.
	presented, err := token.Decode(dec.Token)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !presented.Payload.Controlled {
		t.Fatal("controlled flag missing from token payload")
	}
}

func TestEmergencyRoutesToPhysician(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	in := repeatSubmission()
	in.Emergency = true
	sub, err := svc.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if sub.Status != request.StatusPhysicianReview {
		t.Fatalf("status = %s, want PHYSICIAN_REVIEW", sub.Status)
	}

	// Pharmacist cannot act on an emergency request.
	_, err = svc.Decide(context.Background(), DecideInput{
		RequestID:  sub.RequestID,
		ReviewerID: "pharm-1",
		Role:       request.RolePharmacist,
		Action:     request.ActionApprove,
	})
	if rxerr.CodeOf(err) != rxerr.CodeAuthorization {
		t.Fatalf("error code = %v, want AUTHORIZATION", rxerr.CodeOf(err))
	}
}

func TestRejectionNotifiesAndIssuesNoToken(t *testing.T) {
	svc, _, tokens, notifier := newTestService(t)

	sub, _ := svc.Submit(context.Background(), repeatSubmission())
	dec, err := svc.Decide(context.Background(), DecideInput{
		RequestID:  sub.RequestID,
		ReviewerID: "pharm-1",
		Role:       request.RolePharmacist,
		Action:     request.ActionReject,
		Notes:      "interaction risk with current therapy",
	})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if dec.Status != request.StatusRejected || dec.Token != "" {
		t.Fatalf("decision = %+v, want REJECTED without token", dec)
	}

	if tok, _ := tokens.ByRequest(context.Background(), sub.RequestID); tok != nil {
		t.Fatal("token persisted for rejected request")
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != request.StatusRejected {
		t.Fatalf("notifier calls = %v, want one REJECTED", notifier.calls)
	}
}

func TestConcurrentDecisionsOneWins(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	sub, _ := svc.Submit(context.Background(), repeatSubmission())

	const n = 8
	var wg sync.WaitGroup
	outcomes := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Decide(context.Background(), DecideInput{
				RequestID:  sub.RequestID,
				ReviewerID: "pharm-1",
				Role:       request.RolePharmacist,
				Action:     request.ActionApprove,
			})
			outcomes[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range outcomes {
		if err == nil {
			succeeded++
			continue
		}
		code := rxerr.CodeOf(err)
		if code != rxerr.CodeConflict && code != rxerr.CodeAuthorization {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded)
	}

	view, err := svc.Status(context.Background(), sub.RequestID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.Status != request.StatusAuthorized {
		t.Fatalf("final status = %s, want AUTHORIZED", view.Status)
	}
	if len(view.Decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(view.Decisions))
	}
}

func TestTokenIssuanceRepairableAfterStoreFailure(t *testing.T) {
	signer, err := token.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("signer creation failed: %v", err)
	}
	tokens := &failingOnceTokenStore{inner: newMemoryTokenStore()}
	svc := NewService(newMemoryEventStore(), tokens, triage.Default(),
		token.NewIssuer(signer, time.Hour), &recordingNotifier{}, nil)

	sub, err := svc.Submit(context.Background(), repeatSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// The store outage makes the decision call fail after the transition
	// committed; the request is terminally AUTHORIZED with no token yet.
	_, err = svc.Decide(context.Background(), DecideInput{
		RequestID:  sub.RequestID,
		ReviewerID: "pharm-1",
		Role:       request.RolePharmacist,
		Action:     request.ActionApprove,
	})
	if err == nil {
		t.Fatal("decide succeeded despite token store outage")
	}

	view, err := svc.Status(context.Background(), sub.RequestID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.Status != request.StatusAuthorized {
		t.Fatalf("status = %s, want AUTHORIZED", view.Status)
	}

	// Once the store recovers, retrieval issues the missing token.
	encoded, err := svc.TokenFor(context.Background(), sub.RequestID)
	if err != nil {
		t.Fatalf("token retrieval after recovery failed: %v", err)
	}
	presented, err := token.Decode(encoded)
	if err != nil {
		t.Fatalf("repaired token does not decode: %v", err)
	}
	if presented.Payload.RequestID != sub.RequestID {
		t.Fatalf("token request id = %s, want %s", presented.Payload.RequestID, sub.RequestID)
	}

	// A second retrieval returns the stored token, not a fresh issuance.
	again, err := svc.TokenFor(context.Background(), sub.RequestID)
	if err != nil {
		t.Fatalf("second retrieval failed: %v", err)
	}
	if again != encoded {
		t.Fatal("retrieval after repair issued a second token")
	}
}

func TestTokenForUnauthorizedStatusStaysNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	sub, _ := svc.Submit(context.Background(), controlledSubmission())
	if _, err := svc.Decide(context.Background(), DecideInput{
		RequestID:  sub.RequestID,
		ReviewerID: "pharm-1",
		Role:       request.RolePharmacist,
		Action:     request.ActionReject,
		Notes:      "not indicated",
	}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	// Repair-on-read must never mint tokens for non-authorized requests.
	_, err := svc.TokenFor(context.Background(), sub.RequestID)
	if rxerr.CodeOf(err) != rxerr.CodeNotFound {
		t.Fatalf("error code = %v, want NOT_FOUND for rejected request", rxerr.CodeOf(err))
	}
}

func TestStatusUnknownRequest(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Status(context.Background(), "missing")
	if rxerr.CodeOf(err) != rxerr.CodeNotFound {
		t.Fatalf("error code = %v, want NOT_FOUND", rxerr.CodeOf(err))
	}
}

func TestTokenForUnauthorizedRequest(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	sub, _ := svc.Submit(context.Background(), repeatSubmission())
	_, err := svc.TokenFor(context.Background(), sub.RequestID)
	if rxerr.CodeOf(err) != rxerr.CodeNotFound {
		t.Fatalf("error code = %v, want NOT_FOUND before authorization", rxerr.CodeOf(err))
	}
}
