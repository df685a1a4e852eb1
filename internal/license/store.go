package license

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CodeStore is the persistence boundary for activation codes and batches.
// The core treats storage technology as an external collaborator; the
// in-memory implementation below is the reference used by the server and
// the tests.
type CodeStore interface {
	// GetByCode looks a code up by its human-readable value.
	// Returns ErrInvalidCode when absent.
	GetByCode(ctx context.Context, code string) (*ActivationCode, error)

	// GetByID looks a code up by ID. Returns ErrInvalidCode when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*ActivationCode, error)

	// Exists reports whether the human-readable code value is taken.
	Exists(ctx context.Context, code string) (bool, error)

	// Put inserts or replaces a code.
	Put(ctx context.Context, code *ActivationCode) error

	// PutBatch records a generation batch.
	PutBatch(ctx context.Context, batch *CodeBatch) error

	// GetBatch returns a batch by ID. Returns ErrInvalidCode when absent.
	GetBatch(ctx context.Context, id uuid.UUID) (*CodeBatch, error)

	// ListByBatch returns all codes belonging to a batch.
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*ActivationCode, error)
}

// MemoryCodeStore is a map-backed CodeStore guarded by a RWMutex.
// Codes are never physically deleted: REVOKED and EXPIRED rows are
// retained for audit.
type MemoryCodeStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*ActivationCode
	byCode  map[string]uuid.UUID
	batches map[uuid.UUID]*CodeBatch
}

// NewMemoryCodeStore creates an empty in-memory code store
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		byID:    make(map[uuid.UUID]*ActivationCode),
		byCode:  make(map[string]uuid.UUID),
		batches: make(map[uuid.UUID]*CodeBatch),
	}
}

// GetByCode implements CodeStore
func (s *MemoryCodeStore) GetByCode(ctx context.Context, code string) (*ActivationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, ErrInvalidCode
	}
	return copyCode(s.byID[id]), nil
}

// GetByID implements CodeStore
func (s *MemoryCodeStore) GetByID(ctx context.Context, id uuid.UUID) (*ActivationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.byID[id]
	if !ok {
		return nil, ErrInvalidCode
	}
	return copyCode(code), nil
}

// Exists implements CodeStore
func (s *MemoryCodeStore) Exists(ctx context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byCode[code]
	return ok, nil
}

// Put implements CodeStore
func (s *MemoryCodeStore) Put(ctx context.Context, code *ActivationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[code.ID] = copyCode(code)
	s.byCode[code.Code] = code.ID
	return nil
}

// PutBatch implements CodeStore
func (s *MemoryCodeStore) PutBatch(ctx context.Context, batch *CodeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := *batch
	s.batches[batch.ID] = &b
	return nil
}

// GetBatch implements CodeStore
func (s *MemoryCodeStore) GetBatch(ctx context.Context, id uuid.UUID) (*CodeBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, ErrInvalidCode
	}
	b := *batch
	return &b, nil
}

// ListByBatch implements CodeStore
func (s *MemoryCodeStore) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*ActivationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var codes []*ActivationCode
	for _, code := range s.byID {
		if code.BatchID == batchID {
			codes = append(codes, copyCode(code))
		}
	}
	return codes, nil
}

// copyCode returns a defensive copy so callers never share store memory
func copyCode(c *ActivationCode) *ActivationCode {
	cp := *c
	return &cp
}
