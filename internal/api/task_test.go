package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calcrunner/internal/api"
	"calcrunner/internal/models"
	"calcrunner/internal/queue"
	"calcrunner/internal/revoker"
	"calcrunner/internal/store"
)

// captureQueue records published messages and tombstones. Publish can be
// forced to fail to exercise the enqueue error path.
type captureQueue struct {
	mu         sync.Mutex
	published  []queue.TaskMessage
	tombstoned []string
	publishErr error
}

func (q *captureQueue) Publish(_ context.Context, message queue.TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, message)
	return nil
}

func (q *captureQueue) Subscribe(ctx context.Context, _ func(queue.TaskMessage) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *captureQueue) Tombstone(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tombstoned = append(q.tombstoned, taskID)
	return nil
}

func (q *captureQueue) Interrupt(context.Context, string) error { return nil }

func (q *captureQueue) SubscribeRevocations(ctx context.Context, _ func(string)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *captureQueue) RecoverStale(context.Context) (int, error) { return 0, nil }

func (q *captureQueue) Close() error { return nil }

func newTestRouter(t *testing.T) (*api.TaskRouter, store.Store, *captureQueue) {
	t.Helper()
	st := store.NewMemoryStore()
	q := &captureQueue{}
	conf := &api.Config{MaxRetries: 3, TimeoutSec: 30}
	router := api.NewTaskRouter(context.Background(), st, q, revoker.New(st, q), conf, chi.NewRouter())
	return router, st, q
}

func perform(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSubmitTask(t *testing.T) {
	router, st, q := newTestRouter(t)

	t.Run("add", func(t *testing.T) {
		w := perform(t, router, http.MethodPost, "/add", map[string]any{"a": 2.5, "b": 4})
		require.Equal(t, http.StatusAccepted, w.Code)

		resp := decode[api.SubmitTaskResponse](t, w)
		require.NotEmpty(t, resp.TaskID)

		record, err := st.Get(context.Background(), resp.TaskID)
		require.NoError(t, err)
		assert.Equal(t, models.TsPending, record.Status)
		assert.Equal(t, models.OpAdd, record.Operation)
		assert.Equal(t, 2.5, record.A)
		assert.Equal(t, 4.0, record.B)

		require.Len(t, q.published, 1)
		message := q.published[0]
		assert.Equal(t, resp.TaskID, message.TaskID)
		assert.Equal(t, models.OpAdd, message.Operation)
		assert.Equal(t, 3, message.MaxRetries)
		assert.Equal(t, 30, message.Timeout)
	})

	t.Run("multiply", func(t *testing.T) {
		w := perform(t, router, http.MethodPost, "/multiply", map[string]any{"a": 0, "b": 100})
		require.Equal(t, http.StatusAccepted, w.Code)

		resp := decode[api.SubmitTaskResponse](t, w)
		record, err := st.Get(context.Background(), resp.TaskID)
		require.NoError(t, err)
		assert.Equal(t, models.OpMultiply, record.Operation)
	})
}

func TestSubmitTask_InvalidInput(t *testing.T) {
	cases := map[string]string{
		"missing a":      `{"b": 4}`,
		"missing b":      `{"a": 2.5}`,
		"empty body":     `{}`,
		"non-numeric a":  `{"a": "abc", "b": 4}`,
		"non-numeric b":  `{"a": 1, "b": true}`,
		"malformed json": `{"a": 1,`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			router, st, q := newTestRouter(t)

			w := perform(t, router, http.MethodPost, "/add", body)
			require.Equal(t, http.StatusBadRequest, w.Code)

			resp := decode[api.ErrorResponse](t, w)
			assert.Equal(t, "Invalid input values", resp.Error)

			// Rejected submissions never create records or messages
			records, err := st.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, records)
			assert.Empty(t, q.published)
		})
	}
}

func TestSubmitTask_EnqueueFailure(t *testing.T) {
	router, st, q := newTestRouter(t)
	q.publishErr = errors.New("redis down")

	w := perform(t, router, http.MethodPost, "/add", map[string]any{"a": 1, "b": 2})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	// The record exists but is marked failed, not stuck in PENDING
	records, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.TsFailure, records[0].Status)
	assert.Equal(t, "could not enqueue task", records[0].Error.String)
}

func TestGetResult(t *testing.T) {
	router, st, _ := newTestRouter(t)
	ctx := context.Background()

	newRecord := func(t *testing.T, mutate func(rec *models.TaskRecord)) *models.TaskRecord {
		record, err := st.Create(ctx, models.OpAdd, 2.5, 4)
		require.NoError(t, err)
		if mutate != nil {
			record, err = st.Update(ctx, record.ID, func(rec *models.TaskRecord) error {
				mutate(rec)
				return nil
			})
			require.NoError(t, err)
		}
		return record
	}

	t.Run("unknown task", func(t *testing.T) {
		w := perform(t, router, http.MethodGet, "/result/does-not-exist", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("pending", func(t *testing.T) {
		record := newRecord(t, nil)

		w := perform(t, router, http.MethodGet, "/result/"+record.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[api.TaskResultResponse](t, w)
		assert.Equal(t, models.TsPending, resp.State)
		assert.Equal(t, "Pending...", resp.Status)
		assert.Nil(t, resp.Result)
	})

	t.Run("running", func(t *testing.T) {
		record := newRecord(t, func(rec *models.TaskRecord) {
			rec.Status = models.TsRunning
		})

		w := perform(t, router, http.MethodGet, "/result/"+record.ID, nil)
		resp := decode[api.TaskResultResponse](t, w)
		assert.Equal(t, models.TsRunning, resp.State)
		assert.Equal(t, "Running...", resp.Status)
	})

	t.Run("success", func(t *testing.T) {
		record := newRecord(t, func(rec *models.TaskRecord) {
			rec.Status = models.TsSuccess
			rec.Result = null.FloatFrom(6.5)
		})

		w := perform(t, router, http.MethodGet, "/result/"+record.ID, nil)
		resp := decode[api.TaskResultResponse](t, w)
		assert.Equal(t, models.TsSuccess, resp.State)
		assert.Empty(t, resp.Status)
		require.NotNil(t, resp.Result)
		assert.Equal(t, 6.5, *resp.Result)
	})

	t.Run("failure reports the error text", func(t *testing.T) {
		record := newRecord(t, func(rec *models.TaskRecord) {
			rec.Status = models.TsFailure
			rec.Error = null.StringFrom("backend unavailable")
		})

		w := perform(t, router, http.MethodGet, "/result/"+record.ID, nil)
		resp := decode[api.TaskResultResponse](t, w)
		assert.Equal(t, models.TsFailure, resp.State)
		assert.Equal(t, "backend unavailable", resp.Status)
		assert.Nil(t, resp.Result)
	})

	t.Run("revoked", func(t *testing.T) {
		record := newRecord(t, func(rec *models.TaskRecord) {
			rec.Status = models.TsRevoked
		})

		w := perform(t, router, http.MethodGet, "/result/"+record.ID, nil)
		resp := decode[api.TaskResultResponse](t, w)
		assert.Equal(t, models.TsRevoked, resp.State)
		assert.Equal(t, "Task was revoked", resp.Status)
	})
}

func TestGetHistory(t *testing.T) {
	router, st, _ := newTestRouter(t)
	ctx := context.Background()

	t.Run("empty history", func(t *testing.T) {
		w := perform(t, router, http.MethodGet, "/tasks/history", nil)
		require.Equal(t, http.StatusOK, w.Code)

		records := decode[[]models.TaskRecord](t, w)
		assert.Empty(t, records)
	})

	t.Run("most recent first", func(t *testing.T) {
		first, err := st.Create(ctx, models.OpAdd, 1, 1)
		require.NoError(t, err)
		second, err := st.Create(ctx, models.OpMultiply, 2, 2)
		require.NoError(t, err)

		w := perform(t, router, http.MethodGet, "/tasks/history", nil)
		require.Equal(t, http.StatusOK, w.Code)

		records := decode[[]models.TaskRecord](t, w)
		require.Len(t, records, 2)
		assert.Equal(t, second.ID, records[0].ID)
		assert.Equal(t, first.ID, records[1].ID)
	})
}

func TestDeleteTask(t *testing.T) {
	t.Run("pending task is revoked then deleted", func(t *testing.T) {
		router, st, q := newTestRouter(t)
		ctx := context.Background()

		record, err := st.Create(ctx, models.OpAdd, 1, 2)
		require.NoError(t, err)

		w := perform(t, router, http.MethodDelete, "/tasks/delete/"+record.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[api.DeleteTaskResponse](t, w)
		assert.True(t, resp.Success)

		_, err = st.Get(ctx, record.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Contains(t, q.tombstoned, record.ID)
	})

	t.Run("finished task is deletable", func(t *testing.T) {
		router, st, q := newTestRouter(t)
		ctx := context.Background()

		record, err := st.Create(ctx, models.OpAdd, 1, 2)
		require.NoError(t, err)
		_, err = st.Update(ctx, record.ID, func(rec *models.TaskRecord) error {
			rec.Status = models.TsSuccess
			rec.Result = null.FloatFrom(3)
			return nil
		})
		require.NoError(t, err)

		w := perform(t, router, http.MethodDelete, "/tasks/delete/"+record.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		_, err = st.Get(ctx, record.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		// Terminal tasks are not tombstoned, there is nothing to stop
		assert.NotContains(t, q.tombstoned, record.ID)
	})

	t.Run("unknown task", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		w := perform(t, router, http.MethodDelete, "/tasks/delete/does-not-exist", nil)
		require.Equal(t, http.StatusNotFound, w.Code)

		resp := decode[api.ErrorResponse](t, w)
		assert.Equal(t, "Task not found", resp.Error)
	})
}
