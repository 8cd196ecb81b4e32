package dispense

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process ledger with the same at-most-once claim
// semantics as the Postgres one. Used by tests and single-node tooling.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Record)}
}

// Claim checks and inserts under one lock; no gap between check and write.
func (l *MemoryLedger) Claim(_ context.Context, rec *Record) (bool, *Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[rec.TokenID]; ok {
		cp := *existing
		return false, &cp, nil
	}

	stored := *rec
	stored.CreatedAt = time.Now().UTC()
	l.records[rec.TokenID] = &stored
	rec.CreatedAt = stored.CreatedAt
	return true, nil, nil
}

// Get returns the entry for a token id, or nil.
func (l *MemoryLedger) Get(_ context.Context, tokenID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.records[tokenID]
	if !ok {
		return nil, nil
	}
	cp := *existing
	return &cp, nil
}
