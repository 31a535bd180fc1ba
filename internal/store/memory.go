package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"calcrunner/internal/models"
)

// MemoryStore keeps all records in process memory. It provides the same
// atomicity and terminal-status guarantees as PostgresStore but no
// durability: records are lost when the process exits. Use it only for
// single-process deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.TaskRecord
	order   []string // insertion order, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.TaskRecord)}
}

func (s *MemoryStore) Create(_ context.Context, op models.Operation, a, b float64) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	record := &models.TaskRecord{
		ID:        uuid.New().String(),
		Operation: op,
		A:         a,
		B:         b,
		Status:    models.TsPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.records[record.ID] = record
	s.order = append(s.order, record.ID)

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]models.TaskRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if record, ok := s.records[s.order[i]]; ok {
			records = append(records, *record)
		}
	}
	return records, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn Mutation) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if record.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}

	// Mutate a copy so a failing mutation leaves the stored record untouched
	candidate := *record
	if err := fn(&candidate); err != nil {
		return nil, err
	}
	candidate.UpdatedAt = time.Now().UTC()

	s.records[id] = &candidate
	copied := candidate
	return &copied, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
