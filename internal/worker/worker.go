package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"calcrunner/internal/models"
	"calcrunner/internal/ops"
	"calcrunner/internal/queue"
	"calcrunner/internal/store"
)

// errSkipDuplicate aborts a claim when the record is not PENDING, which
// means another worker holds it or a redelivered message arrived after
// completion. The message is acknowledged without executing anything.
var errSkipDuplicate = errors.New("duplicate delivery, task not claimable")

// Worker executes tasks pulled from the queue. Each worker runs an
// independent pull loop; all coordination with other workers happens through
// the store's atomic updates and terminal-state guard.
type Worker struct {
	ID    string
	store store.Store
	queue queue.Client

	// Timeout is the soft execution deadline for a single attempt
	Timeout time.Duration

	// BackoffBase scales the delay before a retry is re-enqueued
	// (delay = BackoffBase * attempt)
	BackoffBase time.Duration

	// OpDelay models slow work inside the operation, interruptible by the
	// deadline and by revocation
	OpDelay time.Duration

	// Apply executes a single attempt. Defaults to ops.Apply; replaceable
	// to inject failures in tests.
	Apply func(ctx context.Context, op models.Operation, a, b float64, delay time.Duration) (float64, error)

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func New(st store.Store, q queue.Client) *Worker {
	return &Worker{
		ID:          uuid.New().String(),
		store:       st,
		queue:       q,
		Timeout:     30 * time.Second,
		BackoffBase: 3 * time.Second,
		Apply:       ops.Apply,
		inflight:    make(map[string]context.CancelFunc),
	}
}

// Start is a blocking function. It listens to the queue for task messages
// and executes them one at a time until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	go w.listenForRevocations(ctx)

	return w.queue.Subscribe(ctx, func(message queue.TaskMessage) error {
		return w.handle(ctx, message)
	})
}

func (w *Worker) handle(ctx context.Context, message queue.TaskMessage) error {
	record, err := w.claim(ctx, message.TaskID)
	if err != nil {
		switch {
		case errors.Is(err, errSkipDuplicate), errors.Is(err, store.ErrAlreadyTerminal):
			// Redelivery of a task someone else finished or is running.
			// At-least-once delivery makes this normal; skip without mutating.
			log.Debug().
				Str("task_id", message.TaskID).
				Str("worker_id", w.ID).
				Msg("Skipping duplicate delivery")
			return nil
		case errors.Is(err, store.ErrNotFound):
			// Record deleted between enqueue and dequeue
			log.Debug().Str("task_id", message.TaskID).Msg("Task record gone, skipping")
			return nil
		default:
			return err
		}
	}
	attempt := record.Attempts

	log.Info().
		Str("task_id", message.TaskID).
		Str("worker_id", w.ID).
		Str("operation", string(message.Operation)).
		Int("attempt", attempt).
		Msg("Executing task")

	execCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	w.track(message.TaskID, cancel)
	defer w.untrack(message.TaskID, cancel)

	result, execErr := w.Apply(execCtx, message.Operation, message.A, message.B, w.OpDelay)
	if execErr == nil {
		return w.complete(ctx, message.TaskID, result)
	}
	return w.fail(ctx, message, attempt, execErr)
}

// claim performs the PENDING -> RUNNING transition with attempt increment.
// The RUNNING status acts as a soft lock: a record not in PENDING cannot be
// claimed again.
func (w *Worker) claim(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	return w.store.Update(ctx, taskID, func(record *models.TaskRecord) error {
		if record.Status != models.TsPending {
			return errSkipDuplicate
		}
		record.Status = models.TsRunning
		record.Attempts++
		return nil
	})
}

func (w *Worker) complete(ctx context.Context, taskID string, result float64) error {
	_, err := w.store.Update(ctx, taskID, func(record *models.TaskRecord) error {
		record.Status = models.TsSuccess
		record.Result = null.FloatFrom(result)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			// Revoked while we were computing; the terminal state wins
			log.Debug().Str("task_id", taskID).Msg("Task finished after revocation, result discarded")
			return nil
		}
		return err
	}

	log.Info().
		Str("task_id", taskID).
		Str("worker_id", w.ID).
		Float64("result", result).
		Msg("Task succeeded")
	return nil
}

// fail routes an execution error to a retry or a terminal FAILURE. Only
// retryable errors within the retry budget go back to PENDING; permanent
// errors and exhausted budgets are final.
func (w *Worker) fail(ctx context.Context, message queue.TaskMessage, attempt int, execErr error) error {
	if ops.Retryable(execErr) && attempt <= message.MaxRetries {
		_, err := w.store.Update(ctx, message.TaskID, func(record *models.TaskRecord) error {
			record.Status = models.TsPending
			return nil
		})
		if err != nil {
			if errors.Is(err, store.ErrAlreadyTerminal) {
				return nil
			}
			return err
		}

		backoff := w.BackoffBase * time.Duration(attempt)
		log.Warn().
			Err(execErr).
			Str("task_id", message.TaskID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Task attempt failed, retrying")

		// Re-publish after the backoff without holding up the subscribe
		// loop, so other queued tasks keep flowing while this one waits.
		// If the process dies before the publish fires, the janitor's
		// stale requeue returns the PENDING record to the queue.
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := w.queue.Publish(ctx, message); err != nil {
				log.Error().Err(err).Str("task_id", message.TaskID).Msg("Could not re-publish task for retry")
			}
		}()
		return nil
	}

	_, err := w.store.Update(ctx, message.TaskID, func(record *models.TaskRecord) error {
		record.Status = models.TsFailure
		record.Error = null.StringFrom(execErr.Error())
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return nil
		}
		return err
	}

	log.Error().
		Err(execErr).
		Str("task_id", message.TaskID).
		Int("attempt", attempt).
		Msg("Task failed permanently")
	return nil
}

// listenForRevocations cancels the in-flight execution context when a
// revocation for its task id is broadcast. Best effort: the store's terminal
// guard is what actually prevents a revoked record from being overwritten.
func (w *Worker) listenForRevocations(ctx context.Context) {
	err := w.queue.SubscribeRevocations(ctx, func(taskID string) {
		w.mu.Lock()
		cancel, ok := w.inflight[taskID]
		w.mu.Unlock()
		if ok {
			log.Info().
				Str("task_id", taskID).
				Str("worker_id", w.ID).
				Msg("Interrupting revoked task")
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("worker_id", w.ID).Msg("Revocation listener stopped")
	}
}

func (w *Worker) track(taskID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.inflight[taskID] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(taskID string, cancel context.CancelFunc) {
	w.mu.Lock()
	delete(w.inflight, taskID)
	w.mu.Unlock()
	cancel()
}
