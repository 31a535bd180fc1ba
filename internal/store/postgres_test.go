package store_test

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/guregu/null/v6"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"calcrunner/internal/config"
	"calcrunner/internal/database"
	"calcrunner/internal/models"
	"calcrunner/internal/store"
)

// The test database. Left nil when no database is reachable, in which case
// the postgres tests are skipped.
var db *sqlx.DB

func TestMain(m *testing.M) {
	conf, err := config.LoadConfig()
	if err == nil {
		db, err = sqlx.Connect("pgx", conf.GetDatabaseURL())
		if err != nil {
			db = nil
		}
	}

	if db != nil {
		if err := database.Migrate(context.Background(), db); err != nil {
			log.Fatalf("Failed to migrate test database: %v", err)
		}

		defer func() {
			if err := db.Close(); err != nil {
				log.Fatalf("Error encountered when closing test database: %v", err)
			}
		}()
	}

	os.Exit(m.Run())
}

func newPostgresStore(t *testing.T) *store.PostgresStore {
	if db == nil {
		t.Skip("Test database not available")
	}

	_, err := db.Exec("TRUNCATE TABLE task.record")
	require.NoError(t, err)
	return store.NewPostgresStore(db)
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	record, err := s.Create(ctx, models.OpMultiply, 3, 7)
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, models.TsPending, record.Status)
	assert.False(t, record.CreatedAt.IsZero())

	fetched, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpMultiply, fetched.Operation)
	assert.Equal(t, 3.0, fetched.A)
	assert.Equal(t, 7.0, fetched.B)
	assert.Equal(t, 0, fetched.Attempts)

	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresStore_List(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		record, err := s.Create(ctx, models.OpAdd, float64(i), float64(i))
		require.NoError(t, err)
		ids = append(ids, record.ID)
	}

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Most recently submitted first
	assert.Equal(t, ids[2], records[0].ID)
	assert.Equal(t, ids[0], records[2].ID)
}

func TestPostgresStore_Update(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	record, err := s.Create(ctx, models.OpAdd, 2.5, 4)
	require.NoError(t, err)

	updated, err := s.Update(ctx, record.ID, func(rec *models.TaskRecord) error {
		rec.Status = models.TsRunning
		rec.Attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.TsRunning, updated.Status)
	assert.Equal(t, 1, updated.Attempts)

	updated, err = s.Update(ctx, record.ID, func(rec *models.TaskRecord) error {
		rec.Status = models.TsSuccess
		rec.Result = null.FloatFrom(6.5)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6.5, updated.Result.Float64)

	// Terminal records reject further updates
	_, err = s.Update(ctx, record.ID, func(rec *models.TaskRecord) error {
		rec.Status = models.TsRevoked
		return nil
	})
	assert.ErrorIs(t, err, store.ErrAlreadyTerminal)

	fetched, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TsSuccess, fetched.Status)

	_, err = s.Update(ctx, "00000000-0000-0000-0000-000000000000", func(rec *models.TaskRecord) error {
		return nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresStore_Delete(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	record, err := s.Create(ctx, models.OpAdd, 1, 1)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, record.ID))
	_, err = s.Get(ctx, record.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.Delete(ctx, record.ID), store.ErrNotFound)
}
