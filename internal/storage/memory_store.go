package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and sandbox runs.
// The mutex plays the role the conditional update plays in the durable
// backends: check-and-transition happens under one critical section.
type MemoryStore struct {
	mu           sync.RWMutex
	byCorrelation map[string]*Transaction
	byID          map[string]*Transaction
	order         []string // correlation ids in insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCorrelation: make(map[string]*Transaction),
		byID:          make(map[string]*Transaction),
	}
}

// CreatePending inserts a new PENDING transaction.
func (s *MemoryStore) CreatePending(ctx context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCorrelation[tx.CheckoutRequestID]; exists {
		return ErrDuplicateCorrelation
	}

	tx.Status = StatusPending
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	tx.UpdatedAt = tx.CreatedAt

	stored := tx
	s.byCorrelation[tx.CheckoutRequestID] = &stored
	s.byID[tx.ID] = &stored
	s.order = append(s.order, tx.CheckoutRequestID)
	return nil
}

// FindByCorrelationID looks up a transaction by checkout request id.
func (s *MemoryStore) FindByCorrelationID(ctx context.Context, checkoutRequestID string) (Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byCorrelation[checkoutRequestID]
	if !ok {
		return Transaction{}, false, nil
	}
	return *tx, true, nil
}

// FindByID looks up a transaction by surrogate id.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, false, nil
	}
	return *tx, true, nil
}

// TransitionIfPending applies the terminal transition if the record is still
// PENDING. First writer wins; later callers observe applied=false.
func (s *MemoryStore) TransitionIfPending(ctx context.Context, checkoutRequestID string, status Status, result TerminalResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byCorrelation[checkoutRequestID]
	if !ok {
		return false, nil
	}
	if tx.Status != StatusPending {
		return false, nil
	}

	code := result.ResultCode
	tx.Status = status
	tx.ResultCode = &code
	tx.ResultDesc = result.ResultDesc
	tx.MpesaReceiptNumber = result.MpesaReceiptNumber
	tx.UpdatedAt = time.Now()
	return true, nil
}

// List returns transactions newest first.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Transaction, error) {
	limit = ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Transaction, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byCorrelation[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements io.Closer.
func (s *MemoryStore) Close() error {
	return nil
}
