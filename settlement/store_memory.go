package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	railpay "github.com/tigerhub/railpay"
)

// MemoryStore provides an in-memory implementation of ChargeStore.
//
// Suitable for single-instance deployments and tests. For load-balanced
// clusters, use BoltStore on shared storage or implement ChargeStore
// over a database with unique-constraint inserts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*railpay.ChargeRecord
}

// NewMemoryStore creates an empty in-memory charge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*railpay.ChargeRecord),
	}
}

// Admit atomically checks for an existing record and inserts the new
// one if absent. The mutex makes the check-and-set atomic; racing
// callers serialize here and all but one observe the winner's record.
func (s *MemoryStore) Admit(_ context.Context, rec railpay.ChargeRecord) (AdmitResult, *railpay.ChargeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.ChargeKey]; ok {
		copied := *existing
		return admitResultFor(existing.Status), &copied, nil
	}

	now := time.Now().UTC()
	rec.Status = railpay.StatusVerified
	rec.CreatedAt = now
	rec.UpdatedAt = now
	stored := rec
	s.records[rec.ChargeKey] = &stored

	copied := stored
	return AdmitWinner, &copied, nil
}

// Get retrieves a record by charge key.
func (s *MemoryStore) Get(_ context.Context, chargeKey string) (*railpay.ChargeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[chargeKey]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

// MarkFulfilling transitions the record into fulfilling.
func (s *MemoryStore) MarkFulfilling(ctx context.Context, chargeKey string) (*railpay.ChargeRecord, error) {
	return s.transition(chargeKey, railpay.StatusFulfilling, func(rec *railpay.ChargeRecord) {})
}

// MarkFulfilled transitions the record into fulfilled with its result.
func (s *MemoryStore) MarkFulfilled(ctx context.Context, chargeKey, resultURI string) (*railpay.ChargeRecord, error) {
	return s.transition(chargeKey, railpay.StatusFulfilled, func(rec *railpay.ChargeRecord) {
		rec.ResultURI = resultURI
		rec.Error = ""
	})
}

// MarkFailed transitions the record into failed with the error message.
func (s *MemoryStore) MarkFailed(ctx context.Context, chargeKey, errMsg string) (*railpay.ChargeRecord, error) {
	return s.transition(chargeKey, railpay.StatusFailed, func(rec *railpay.ChargeRecord) {
		rec.Error = errMsg
	})
}

func (s *MemoryStore) transition(chargeKey string, next railpay.ChargeStatus, mutate func(*railpay.ChargeRecord)) (*railpay.ChargeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[chargeKey]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("invalid status transition %s -> %s for charge %s", rec.Status, next, chargeKey)
	}
	rec.Status = next
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()

	copied := *rec
	return &copied, nil
}

// Ensure MemoryStore implements ChargeStore
var _ ChargeStore = (*MemoryStore)(nil)
