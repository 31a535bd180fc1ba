package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"calcrunner/internal/models"
	"calcrunner/internal/queue"
	"calcrunner/internal/store"
)

// Janitor runs the maintenance work that is not part of the normal task
// lifecycle: trimming terminal records past their retention, recovering
// queue messages stranded by dead workers and returning stuck records to
// the queue.
type Janitor struct {
	store store.Store
	queue queue.Client
	cron  *cron.Cron

	// Retention is how long terminal records are kept before TrimHistory
	// removes them
	Retention time.Duration

	// StaleAfter is how long a non-terminal record may sit untouched before
	// RequeueStale puts it back on the queue. Must exceed the execution
	// timeout plus the heartbeat window or live tasks get requeued.
	StaleAfter time.Duration

	// MaxRetries and TimeoutSec fill the messages RequeueStale publishes
	MaxRetries int
	TimeoutSec int

	isRunning  bool
	context    context.Context
	cancelFunc context.CancelFunc
}

func New(st store.Store, q queue.Client) *Janitor {
	// Create cron with seconds precision
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithLocation(time.UTC),
	)

	return &Janitor{
		store:      st,
		queue:      q,
		cron:       c,
		Retention:  7 * 24 * time.Hour,
		StaleAfter: 5 * time.Minute,
		MaxRetries: 3,
		TimeoutSec: 30,
	}
}

// Start begins the janitor service. trimSpec is the cron expression for the
// history trim; stale-task recovery runs every minute.
func (j *Janitor) Start(ctx context.Context, trimSpec string) error {
	if j.isRunning {
		return nil
	}

	j.context, j.cancelFunc = context.WithCancel(ctx)

	if _, err := j.cron.AddFunc(trimSpec, func() {
		if j.context.Err() != nil {
			return
		}
		if _, err := j.TrimHistory(j.context); err != nil {
			log.Error().Err(err).Msg("Failed to trim task history")
		}
	}); err != nil {
		return err
	}

	if _, err := j.cron.AddFunc("@every 1m", func() {
		if j.context.Err() != nil {
			return
		}
		recovered, err := j.queue.RecoverStale(j.context)
		if err != nil {
			log.Error().Err(err).Msg("Failed to recover stale messages")
		} else if recovered > 0 {
			log.Info().Int("recovered", recovered).Msg("Requeued stale messages")
		}

		requeued, err := j.RequeueStale(j.context)
		if err != nil {
			log.Error().Err(err).Msg("Failed to requeue stuck tasks")
		} else if requeued > 0 {
			log.Info().Int("requeued", requeued).Msg("Returned stuck tasks to the queue")
		}
	}); err != nil {
		return err
	}

	j.isRunning = true
	j.cron.Start()
	return nil
}

// Stop stops the janitor service
func (j *Janitor) Stop() {
	if !j.isRunning {
		return
	}

	j.cancelFunc()
	j.cron.Stop()
	j.isRunning = false
}

// RequeueStale returns stuck tasks to the queue. A worker that dies after
// claiming leaves its record frozen in RUNNING with the message eventually
// acknowledged, so no redelivery can claim it again; a message lost in
// transit leaves its record frozen in PENDING. Both show up as updated_at
// falling behind StaleAfter: RUNNING records are reset to PENDING and a
// fresh message is published either way. Any duplicate delivery this causes
// is skipped by the workers' claim guard.
func (j *Janitor) RequeueStale(ctx context.Context) (int, error) {
	records, err := j.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-j.StaleAfter)
	requeued := 0
	for _, record := range records {
		if record.Status.Terminal() || record.UpdatedAt.After(cutoff) {
			continue
		}

		if record.Status == models.TsRunning {
			if _, err := j.store.Update(ctx, record.ID, func(rec *models.TaskRecord) error {
				rec.Status = models.TsPending
				return nil
			}); err != nil {
				// Finished or deleted since the List, nothing to requeue
				if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAlreadyTerminal) {
					continue
				}
				return requeued, err
			}
		}

		if err := j.queue.Publish(ctx, queue.TaskMessage{
			TaskID:     record.ID,
			Operation:  record.Operation,
			A:          record.A,
			B:          record.B,
			Timeout:    j.TimeoutSec,
			MaxRetries: j.MaxRetries,
			EnqueuedAt: time.Now().UTC(),
		}); err != nil {
			return requeued, err
		}

		log.Info().
			Str("task_id", record.ID).
			Str("status", string(record.Status)).
			Msg("Requeued stuck task")
		requeued++
	}

	return requeued, nil
}

// TrimHistory deletes terminal records last updated before the retention
// cutoff. This is the only way records are ever destroyed.
func (j *Janitor) TrimHistory(ctx context.Context) (int, error) {
	records, err := j.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-j.Retention)
	trimmed := 0
	for _, record := range records {
		if !record.Status.Terminal() || record.UpdatedAt.After(cutoff) {
			continue
		}

		if err := j.store.Delete(ctx, record.ID); err != nil {
			// Already gone is fine, anything else is surfaced
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return trimmed, err
		}
		trimmed++
	}

	if trimmed > 0 {
		log.Info().Int("trimmed", trimmed).Msg("Trimmed task history")
	}
	return trimmed, nil
}
