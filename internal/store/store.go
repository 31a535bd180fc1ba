package store

import (
	"context"
	"errors"

	"calcrunner/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for the given task id
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyTerminal is returned by Update when the record is already in
	// a terminal status. Terminal records never change, so callers racing a
	// completed or revoked task should treat this as a benign rejection.
	ErrAlreadyTerminal = errors.New("task already in terminal status")
)

// Mutation is applied to a record inside the store's atomic update. The
// record passed in reflects the current persisted state; changes made by the
// function are written back as one unit.
type Mutation func(record *models.TaskRecord) error

// Store owns all TaskRecords. Workers and the cancellation controller only
// ever mutate records through Update, which serialises writes per task id
// and rejects updates to terminal records.
type Store interface {
	// Create inserts a new PENDING record and returns it with its assigned id
	Create(ctx context.Context, op models.Operation, a, b float64) (*models.TaskRecord, error)

	// Get returns the record for the id, or ErrNotFound
	Get(ctx context.Context, id string) (*models.TaskRecord, error)

	// List returns all records, most recently submitted first
	List(ctx context.Context) ([]models.TaskRecord, error)

	// Update applies fn to the record atomically and persists the result.
	// Returns ErrNotFound for unknown ids and ErrAlreadyTerminal when the
	// current status is terminal, in which case nothing is written.
	Update(ctx context.Context, id string, fn Mutation) (*models.TaskRecord, error)

	// Delete removes the record, returning ErrNotFound if it does not exist
	Delete(ctx context.Context, id string) error
}
