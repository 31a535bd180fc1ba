package database

import (
	"context"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"calcrunner/internal/config"
)

func New(conf *config.CRConfig) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", conf.GetDatabaseURL())
}

// Migrate creates the task schema and record table if they do not exist.
// The service owns a single table so a full migration tool is not warranted.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE SCHEMA IF NOT EXISTS task;

CREATE TABLE IF NOT EXISTS task.record
(
    id         UUID PRIMARY KEY,
    operation  TEXT             NOT NULL,
    a          DOUBLE PRECISION NOT NULL,
    b          DOUBLE PRECISION NOT NULL,
    status     TEXT             NOT NULL DEFAULT 'PENDING',
    result     DOUBLE PRECISION,
    error      TEXT,
    attempts   INT              NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS record_created_at_idx ON task.record (created_at DESC);
`)
	return err
}
