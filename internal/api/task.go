package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"calcrunner/internal/models"
	"calcrunner/internal/queue"
	"calcrunner/internal/revoker"
	"calcrunner/internal/store"
)

type TaskRouter struct {
	ctx     context.Context
	store   store.Store
	queue   queue.Client
	revoker *revoker.Revoker
	router  chi.Router

	maxRetries int
	timeoutSec int
}

func (t *TaskRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewTaskRouter(ctx context.Context, st store.Store, q queue.Client, rv *revoker.Revoker, config *Config, router chi.Router) *TaskRouter {
	r := &TaskRouter{
		ctx:        ctx,
		store:      st,
		queue:      q,
		revoker:    rv,
		router:     router,
		maxRetries: config.MaxRetries,
		timeoutSec: config.TimeoutSec,
	}

	r.router.Post("/add", r.SubmitAdd)
	r.router.Post("/multiply", r.SubmitMultiply)
	r.router.Get("/result/{taskID}", r.GetResult)
	r.router.Get("/tasks/history", r.GetHistory)
	r.router.Delete("/tasks/delete/{taskID}", r.DeleteTask)

	return r
}

func (t *TaskRouter) SubmitAdd(w http.ResponseWriter, r *http.Request) {
	t.submit(w, r, models.OpAdd)
}

func (t *TaskRouter) SubmitMultiply(w http.ResponseWriter, r *http.Request) {
	t.submit(w, r, models.OpMultiply)
}

// submit validates the payload, writes a PENDING record and enqueues the
// work item. Validation failures never create a record.
func (t *TaskRouter) submit(w http.ResponseWriter, r *http.Request, op models.Operation) {
	var payload SubmitTaskRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		serveError(w, http.StatusBadRequest, "Invalid input values")
		return
	}

	record, err := t.store.Create(t.ctx, op, *payload.A, *payload.B)
	if err != nil {
		log.Error().Err(err).Str("operation", string(op)).Msg("Could not create task record")
		serveError(w, http.StatusInternalServerError, "Could not create task")
		return
	}

	message := queue.TaskMessage{
		TaskID:     record.ID,
		Operation:  op,
		A:          record.A,
		B:          record.B,
		Timeout:    t.timeoutSec,
		MaxRetries: t.maxRetries,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := t.queue.Publish(t.ctx, message); err != nil {
		log.Error().Err(err).Str("task_id", record.ID).Msg("Could not enqueue task")

		// Keep the record's invariants intact: a task that never made it
		// onto the queue is a FAILURE, not a stuck PENDING
		if _, err := t.store.Update(t.ctx, record.ID, func(rec *models.TaskRecord) error {
			rec.Status = models.TsFailure
			rec.Error = null.StringFrom("could not enqueue task")
			return nil
		}); err != nil {
			log.Error().Err(err).Str("task_id", record.ID).Msg("Could not mark task as failed")
		}

		serveError(w, http.StatusInternalServerError, "Could not enqueue task")
		return
	}

	serveJson(w, http.StatusAccepted, SubmitTaskResponse{TaskID: record.ID})
}

func (t *TaskRouter) GetResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	record, err := t.store.Get(t.ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			serveError(w, http.StatusNotFound, "Task not found")
			return
		}
		log.Error().Err(err).Str("task_id", taskID).Msg("Could not fetch task record")
		serveError(w, http.StatusInternalServerError, "Could not fetch task")
		return
	}

	response := TaskResultResponse{State: record.Status}
	switch record.Status {
	case models.TsPending:
		response.Status = "Pending..."
	case models.TsRunning:
		response.Status = "Running..."
	case models.TsFailure:
		response.Status = record.Error.String
	case models.TsRevoked:
		response.Status = "Task was revoked"
	case models.TsSuccess:
		result := record.Result.Float64
		response.Result = &result
	}

	serveJson(w, http.StatusOK, response)
}

func (t *TaskRouter) GetHistory(w http.ResponseWriter, _ *http.Request) {
	records, err := t.store.List(t.ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch task history")
		serveError(w, http.StatusInternalServerError, "Could not fetch task history")
		return
	}

	serveJson(w, http.StatusOK, records)
}

func (t *TaskRouter) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	// Revoke first so a queued or running task stops before its record goes.
	// A task that already finished is still deletable.
	if err := t.revoker.Revoke(t.ctx, taskID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			serveError(w, http.StatusNotFound, "Task not found")
			return
		case errors.Is(err, store.ErrAlreadyTerminal):
			// fine, delete below
		default:
			log.Warn().Err(err).Str("task_id", taskID).Msg("Could not revoke task before deletion")
		}
	}

	if err := t.store.Delete(t.ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			serveError(w, http.StatusNotFound, "Task not found")
			return
		}
		log.Error().Err(err).Str("task_id", taskID).Msg("Could not delete task")
		serveError(w, http.StatusInternalServerError, "Could not delete task")
		return
	}

	serveJson(w, http.StatusOK, DeleteTaskResponse{Success: true})
}
