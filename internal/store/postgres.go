package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"calcrunner/internal/models"
)

// PostgresStore is the durable Store implementation. Atomicity of Update is
// provided by a SELECT ... FOR UPDATE inside a transaction, which also makes
// the terminal-status check and the write a single unit.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, op models.Operation, a, b float64) (*models.TaskRecord, error) {
	record := models.TaskRecord{
		ID:        uuid.New().String(),
		Operation: op,
		A:         a,
		B:         b,
		Status:    models.TsPending,
	}

	if err := s.db.QueryRowContext(ctx, `
INSERT INTO task.record (id, operation, a, b, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at, updated_at`,
		record.ID, record.Operation, record.A, record.B, record.Status,
	).Scan(&record.CreatedAt, &record.UpdatedAt); err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.TaskRecord, error) {
	var record models.TaskRecord
	if err := s.db.GetContext(ctx, &record, `SELECT * FROM task.record WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]models.TaskRecord, error) {
	records := []models.TaskRecord{}
	if err := s.db.SelectContext(ctx, &records, `SELECT * FROM task.record ORDER BY created_at DESC, id`); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn Mutation) (*models.TaskRecord, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}

	var record models.TaskRecord
	if err := tx.GetContext(ctx, &record, `SELECT * FROM task.record WHERE id = $1 FOR UPDATE`, id); err != nil {
		rollbackTx(tx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if record.Status.Terminal() {
		rollbackTx(tx)
		return nil, ErrAlreadyTerminal
	}

	if err := fn(&record); err != nil {
		rollbackTx(tx)
		return nil, err
	}
	record.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
UPDATE task.record
SET status     = $2,
    result     = $3,
    error      = $4,
    attempts   = $5,
    updated_at = $6
WHERE id = $1`,
		record.ID, record.Status, record.Result, record.Error, record.Attempts, record.UpdatedAt,
	); err != nil {
		rollbackTx(tx)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		rollbackTx(tx)
		return nil, err
	}

	return &record, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task.record WHERE id = $1`, id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func rollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("Could not rollback transaction")
	}
}
