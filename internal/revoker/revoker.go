package revoker

import (
	"context"

	"github.com/rs/zerolog/log"
	"calcrunner/internal/models"
	"calcrunner/internal/queue"
	"calcrunner/internal/store"
)

// Revoker cancels queued or running tasks. The winner of a race between a
// revocation and natural completion is decided by the store: whichever
// terminal update lands first is kept, the other is rejected by the
// terminal-state guard.
type Revoker struct {
	store store.Store
	queue queue.Client
}

func New(st store.Store, q queue.Client) *Revoker {
	return &Revoker{store: st, queue: q}
}

// Revoke transitions a PENDING or RUNNING task to REVOKED. Returns
// store.ErrNotFound for unknown ids and store.ErrAlreadyTerminal when the
// task has already reached a terminal status.
func (r *Revoker) Revoke(ctx context.Context, taskID string) error {
	record, err := r.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return store.ErrAlreadyTerminal
	}

	// Tombstone before the status flip so a message dequeued during the
	// revocation is dropped. Best effort: even without it, a worker claiming
	// the task will hit the terminal guard below.
	if err := r.queue.Tombstone(ctx, taskID); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("Could not tombstone task")
	}

	if _, err := r.store.Update(ctx, taskID, func(rec *models.TaskRecord) error {
		rec.Status = models.TsRevoked
		return nil
	}); err != nil {
		// ErrAlreadyTerminal here means completion won the race
		return err
	}

	// Best-effort interrupt for a worker mid-execution
	if err := r.queue.Interrupt(ctx, taskID); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("Could not send interrupt")
	}

	log.Info().Str("task_id", taskID).Msg("Task revoked")
	return nil
}
