package oracle

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"onchainkyc/internal/kyc/models"
)

// MemoryLedger is an in-process ledger for development and tests.
type MemoryLedger struct {
	mu        sync.RWMutex
	records   map[string]*models.ComplianceRecord
	committed map[uuid.UUID]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:   make(map[string]*models.ComplianceRecord),
		committed: make(map[uuid.UUID]struct{}),
	}
}

func (l *MemoryLedger) Commit(_ context.Context, wallet string, a models.Attestation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.committed[a.SessionID]; seen {
		return nil
	}
	l.committed[a.SessionID] = struct{}{}

	rec, ok := l.records[wallet]
	if !ok {
		rec = &models.ComplianceRecord{Wallet: wallet}
		l.records[wallet] = rec
	}
	rec.IsVerified = true
	if a.VerifiedAt.After(rec.VerifiedAt) {
		rec.VerifiedAt = a.VerifiedAt
	}
	rec.VerificationCount++
	return nil
}

func (l *MemoryLedger) Read(_ context.Context, wallet string) (*models.ComplianceRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[wallet]
	if !ok {
		return &models.ComplianceRecord{Wallet: wallet}, nil
	}
	out := *rec
	return &out, nil
}

func (l *MemoryLedger) Degraded() bool { return false }
